package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-svc/config"
	"order-svc/middleware"
	"order-svc/models"
	"order-svc/payment"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InitConsumerGroup joins the reconciliation consumer group. Offsets are
// committed only for handled messages, so requests published while the
// service was down are picked up on the next start.
func InitConsumerGroup(cfg config.KafkaConfig, logger *zap.Logger) (sarama.ConsumerGroup, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_1_0_0
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Retry.Backoff = 1 * time.Second
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	logger.Info("Kafka consumer group initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.ConsumerGroup),
	)
	return group, nil
}

type Resolver interface {
	Resolve(ctx context.Context, paymentID string) (*payment.ResolveReport, error)
}

// ReviewConsumer drains the reconciliation topic, resolving each flagged
// payment against the gateway. It implements sarama.ConsumerGroupHandler.
type ReviewConsumer struct {
	group      sarama.ConsumerGroup
	topic      string
	resolver   Resolver
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewReviewConsumer(group sarama.ConsumerGroup, topic string, resolver Resolver, logger *zap.Logger) *ReviewConsumer {
	return &ReviewConsumer{
		group:      group,
		topic:      topic,
		resolver:   resolver,
		logger:     logger,
		maxRetries: 3,
		backoff:    time.Second,
	}
}

// Start consumes until ctx is cancelled or the group is closed. A session
// that ends on an unhandled message is rejoined from the last committed offset.
func (c *ReviewConsumer) Start(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	c.logger.Info("Kafka consumer started", zap.String("topic", c.topic))

	for {
		err := c.group.Consume(ctx, []string{c.topic}, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Error("Kafka consumer session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

func (c *ReviewConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }
func (c *ReviewConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message only after it was resolved or found
// malformed. A message that still fails after retries ends the claim
// without marking it.
func (c *ReviewConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			err := c.handleMessageWithRetry(ctx, message)
			if errors.Is(err, errMalformedMessage) {
				c.logger.Warn("Skipping malformed review request",
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
				)
				err = nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to handle message after retries",
					zap.Bool("alarm", true),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
				return err
			}
			session.MarkMessage(message, "")
		}
	}
}

var errMalformedMessage = errors.New("malformed message")

func (c *ReviewConsumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.handleMessage(ctx, message)
		if err == nil || errors.Is(err, errMalformedMessage) {
			return err
		}
		lastErr = err
		if attempt < c.maxRetries {
			backoff := time.Duration(attempt) * c.backoff
			c.logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *ReviewConsumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	// Extract trace context from Kafka message headers
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	ctx, span := otel.Tracer("order-service").Start(ctx, "ProcessReviewRequest")
	defer span.End()

	var req models.ReviewRequest
	if err := json.Unmarshal(message.Value, &req); err != nil || req.PaymentID == "" {
		span.RecordError(errMalformedMessage)
		return fmt.Errorf("%w at offset %d", errMalformedMessage, message.Offset)
	}

	span.SetAttributes(
		attribute.String("payment.id", req.PaymentID),
		attribute.String("review.reason", string(req.Reason)),
	)

	report, err := c.resolver.Resolve(ctx, req.PaymentID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.logger.Info("Review request resolved",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("payment_id", req.PaymentID),
		zap.String("reason", string(req.Reason)),
		zap.String("status", string(report.Status)),
		zap.Int("gaps", len(report.Gaps)),
	)
	return nil
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for consumer headers.
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
