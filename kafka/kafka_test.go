package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"order-svc/config"
	"order-svc/models"
	"order-svc/payment"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testKafkaConfig = config.KafkaConfig{
	Brokers:             []string{"localhost:9092"},
	Topic:               "order_events",
	ReconciliationTopic: "payment_reconciliation",
}

func TestPublisher_PublishOrderEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "order_events" {
			t.Errorf("Expected topic order_events, got %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "payment-1" {
			t.Errorf("Expected key payment-1, got %s", key)
		}
		value, _ := msg.Value.Encode()
		var event models.OrderEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.EventType != models.EventRefundSucceeded || event.Amount != 4000 {
			t.Errorf("Unexpected event %+v", event)
		}
		return nil
	})

	publisher := NewPublisher(producer, testKafkaConfig, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	err := publisher.PublishOrderEvent(context.Background(), models.OrderEvent{
		EventType: models.EventRefundSucceeded,
		OrderID:   42,
		PaymentID: "payment-1",
		Amount:    4000,
	})
	if err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
}

func TestPublisher_RequestReview(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "payment_reconciliation" {
			t.Errorf("Expected topic payment_reconciliation, got %s", msg.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewPublisher(producer, testKafkaConfig, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	req := models.ReviewRequest{PaymentID: "payment-1", Reason: models.ReviewRefundUnknown}

	if err := publisher.RequestReview(context.Background(), req); err != nil {
		t.Fatalf("RequestReview: %v", err)
	}
	if err := publisher.RequestReview(context.Background(), req); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got %v", err)
	}
}

type fakeResolver struct {
	mu       sync.Mutex
	failures int
	calls    []string
	resolved chan string
}

func (r *fakeResolver) Resolve(ctx context.Context, paymentID string) (*payment.ResolveReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, paymentID)
	if r.failures > 0 {
		r.failures--
		return nil, models.ErrGatewayUnavailable
	}
	if r.resolved != nil {
		r.resolved <- paymentID
	}
	return &payment.ResolveReport{PaymentID: paymentID, Status: models.OrderStatusPaid}, nil
}

func reviewMessage(t *testing.T, paymentID string) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(models.ReviewRequest{PaymentID: paymentID, Reason: models.ReviewValidationUnknown})
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Topic: "payment_reconciliation", Value: payload}
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []*sarama.ConsumerMessage
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg)
}

func (s *fakeSession) markedOffsets() map[int32][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32][]int64)
	for _, m := range s.marked {
		out[m.Partition] = append(out[m.Partition], m.Offset)
	}
	return out
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(partition int32, msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for i, m := range msgs {
		m.Partition = partition
		m.Offset = int64(i)
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

// fakeGroup runs one session over its claims, then blocks until cancelled.
type fakeGroup struct {
	sarama.ConsumerGroup
	claims  []*fakeClaim
	session *fakeSession

	mu       sync.Mutex
	sessions int
}

func (g *fakeGroup) Errors() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.sessions++
	first := g.sessions == 1
	g.mu.Unlock()
	if !first {
		<-ctx.Done()
		return ctx.Err()
	}

	g.session.ctx = ctx
	var wg sync.WaitGroup
	for _, claim := range g.claims {
		wg.Add(1)
		go func(claim *fakeClaim) {
			defer wg.Done()
			_ = handler.ConsumeClaim(g.session, claim)
		}(claim)
	}
	wg.Wait()
	return nil
}

func TestReviewConsumer_Start_ConsumesEveryPartition(t *testing.T) {
	group := &fakeGroup{
		claims: []*fakeClaim{
			newClaim(0, reviewMessage(t, "payment-7")),
			newClaim(2, reviewMessage(t, "payment-9")),
		},
		session: &fakeSession{},
	}
	resolver := &fakeResolver{resolved: make(chan string, 2)}
	rc := NewReviewConsumer(group, "payment_reconciliation", resolver, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	rc.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rc.Start(ctx) }()

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-resolver.resolved:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("Review requests were not resolved, saw %v", seen)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
	if !seen["payment-7"] || !seen["payment-9"] {
		t.Errorf("Unexpected resolved payments %v", seen)
	}
	marked := group.session.markedOffsets()
	if len(marked[0]) != 1 || len(marked[2]) != 1 {
		t.Errorf("Expected one marked message on partitions 0 and 2, got %v", marked)
	}
}

func TestReviewConsumer_ConsumeClaim_LeavesFailedMessageUnmarked(t *testing.T) {
	resolver := &fakeResolver{failures: 10}
	rc := NewReviewConsumer(nil, "payment_reconciliation", resolver, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	rc.backoff = time.Millisecond
	session := &fakeSession{ctx: context.Background()}

	err := rc.ConsumeClaim(session, newClaim(1, reviewMessage(t, "payment-1"), reviewMessage(t, "payment-2")))

	if !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Errorf("Expected ErrGatewayUnavailable, got %v", err)
	}
	if marked := session.markedOffsets(); len(marked) != 0 {
		t.Errorf("Expected no marked offsets, got %v", marked)
	}
	for _, id := range resolver.calls {
		if id != "payment-1" {
			t.Errorf("Expected the claim to stop at payment-1, resolved %s", id)
		}
	}
}

func TestReviewConsumer_ConsumeClaim_MarksMalformedAndResolved(t *testing.T) {
	resolver := &fakeResolver{}
	rc := NewReviewConsumer(nil, "payment_reconciliation", resolver, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	session := &fakeSession{ctx: context.Background()}

	err := rc.ConsumeClaim(session, newClaim(3,
		&sarama.ConsumerMessage{Topic: "payment_reconciliation", Value: []byte("not json")},
		reviewMessage(t, "payment-3"),
	))

	if err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if got := session.markedOffsets()[3]; len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("Expected offsets 0 and 1 marked, got %v", got)
	}
	if len(resolver.calls) != 1 {
		t.Errorf("Expected 1 resolve call, got %d", len(resolver.calls))
	}
}

func TestReviewConsumer_RetriesTransientFailures(t *testing.T) {
	resolver := &fakeResolver{failures: 2}
	rc := NewReviewConsumer(nil, "payment_reconciliation", resolver, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	rc.backoff = time.Millisecond

	if err := rc.handleMessageWithRetry(context.Background(), reviewMessage(t, "payment-1")); err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if len(resolver.calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(resolver.calls))
	}
}

func TestReviewConsumer_GivesUpAfterMaxRetries(t *testing.T) {
	resolver := &fakeResolver{failures: 5}
	rc := NewReviewConsumer(nil, "payment_reconciliation", resolver, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	rc.backoff = time.Millisecond

	err := rc.handleMessageWithRetry(context.Background(), reviewMessage(t, "payment-1"))
	if !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Errorf("Expected ErrGatewayUnavailable, got %v", err)
	}
	if len(resolver.calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(resolver.calls))
	}
}

func TestReviewConsumer_SkipsMalformedMessage(t *testing.T) {
	resolver := &fakeResolver{}
	rc := NewReviewConsumer(nil, "payment_reconciliation", resolver, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := rc.handleMessageWithRetry(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
	if !errors.Is(err, errMalformedMessage) {
		t.Errorf("Expected errMalformedMessage, got %v", err)
	}
	if len(resolver.calls) != 0 {
		t.Errorf("Expected no resolve calls, got %d", len(resolver.calls))
	}
}

func TestHeaderCarrierRoundTrip(t *testing.T) {
	var produced saramaHeaderCarrier
	produced.Set("traceparent", "00-abc-def-01")

	consumed := make(saramaHeaderCarrierConsumer, len(produced))
	for i := range produced {
		consumed[i] = &produced[i]
	}
	if got := consumed.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Expected traceparent to survive, got %q", got)
	}
	if keys := consumed.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Unexpected keys %v", keys)
	}
}
