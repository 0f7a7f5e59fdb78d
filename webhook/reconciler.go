package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-svc/gateway"
	"order-svc/middleware"
	"order-svc/models"
	"order-svc/payment"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("order-service")

// Validator confirms a payment with the gateway. It is satisfied by
// *payment.Orchestrator.
type Validator interface {
	Validate(ctx context.Context, paymentID string) (*models.Order, error)
}

// Reconciler applies authenticated gateway notifications. Each webhook id is
// applied at most once; the claim is written in the same transaction as the
// effect, so a failed delivery leaves nothing behind and can be redelivered.
type Reconciler struct {
	store     payment.Store
	gateway   payment.Gateway
	validator Validator
	publisher payment.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(store payment.Store, gw payment.Gateway, validator Validator, publisher payment.Publisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		gateway:   gw,
		validator: validator,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes one verified delivery and returns its recorded outcome.
// A nil error means the delivery may be acknowledged; any error other than
// ErrMalformedWebhook should make the gateway redeliver.
func (r *Reconciler) Handle(ctx context.Context, webhookID string, body []byte) (models.WebhookOutcome, error) {
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.id", webhookID))

	processed, err := r.store.WebhookProcessed(ctx, webhookID)
	if err != nil {
		return "", fmt.Errorf("failed to check webhook %s: %w", webhookID, err)
	}
	if processed {
		r.logger.Info("Duplicate webhook acknowledged", zap.String("webhook_id", webhookID))
		middleware.RecordWebhook("", string(models.WebhookOutcomeDuplicate))
		return models.WebhookOutcomeDuplicate, nil
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}
	span.SetAttributes(
		attribute.String("webhook.type", string(payload.Type)),
		attribute.String("payment.id", payload.Data.PaymentID),
	)

	event := &models.WebhookEvent{
		WebhookID:  webhookID,
		Type:       payload.Type,
		PaymentID:  payload.Data.PaymentID,
		Outcome:    models.WebhookOutcomeProcessing,
		Payload:    body,
		ReceivedAt: r.now(),
	}

	var outcome models.WebhookOutcome
	switch payload.Type {
	case models.WebhookTransactionPaid, models.WebhookTransactionFailed:
		outcome, err = r.handleTransaction(ctx, event)
	case models.WebhookTransactionCancelled, models.WebhookTransactionPartialCancelled:
		outcome, err = r.handleCancellation(ctx, event, payload)
	default:
		r.logger.Warn("Unhandled webhook type",
			zap.String("webhook_id", webhookID),
			zap.String("type", string(payload.Type)),
		)
		outcome, err = r.record(ctx, event, models.WebhookOutcomeUnhandled)
	}
	if err != nil {
		span.RecordError(err)
		middleware.RecordWebhook(string(payload.Type), "error")
		return "", err
	}

	middleware.RecordWebhook(string(payload.Type), string(outcome))
	r.logger.Info("Webhook processed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("webhook_id", webhookID),
		zap.String("type", string(payload.Type)),
		zap.String("payment_id", event.PaymentID),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// handleTransaction delegates paid and failed notifications to validation,
// which asks the gateway for the authoritative status itself.
func (r *Reconciler) handleTransaction(ctx context.Context, event *models.WebhookEvent) (models.WebhookOutcome, error) {
	if event.PaymentID == "" {
		return "", fmt.Errorf("%w: missing paymentId", models.ErrMalformedWebhook)
	}

	var outcome models.WebhookOutcome
	_, err := r.validator.Validate(ctx, event.PaymentID)
	switch {
	case err == nil, errors.Is(err, models.ErrPaymentFailed):
		outcome = models.WebhookOutcomeApplied
	case errors.Is(err, models.ErrPaymentNotCompleted):
		outcome = models.WebhookOutcomeIgnored
	case errors.Is(err, models.ErrPaymentAmountMismatch):
		outcome = models.WebhookOutcomeMismatch
	case errors.Is(err, models.ErrOrderNotFound):
		outcome = models.WebhookOutcomeGap
	default:
		return "", err
	}

	outcome, err = r.record(ctx, event, outcome)
	if err != nil {
		return "", err
	}
	if outcome == models.WebhookOutcomeGap {
		r.reportGap(ctx, event, 0, "payment unknown locally")
	}
	return outcome, nil
}

func (r *Reconciler) handleCancellation(ctx context.Context, event *models.WebhookEvent, payload models.WebhookPayload) (models.WebhookOutcome, error) {
	c, err := r.cancellation(ctx, event.WebhookID, payload)
	if err != nil {
		return "", err
	}

	var (
		outcome = models.WebhookOutcomeProcessing
		result  payment.ApplyResult
		order   *models.Order
	)
	err = r.store.InTx(ctx, func(tx payment.Tx) error {
		claimed, err := tx.ClaimWebhook(ctx, event)
		if err != nil {
			return err
		}
		if !claimed {
			outcome = models.WebhookOutcomeDuplicate
			return nil
		}

		order, err = tx.LockOrderByPaymentID(ctx, c.PaymentID)
		if errors.Is(err, models.ErrOrderNotFound) {
			order = nil
			result = payment.ApplyResult{Outcome: models.WebhookOutcomeGap, Detail: "payment unknown locally"}
		} else if err != nil {
			return err
		} else {
			if c.Full && c.Amount == 0 {
				c.Amount = order.CurrentCancellableAmount()
			}
			result, err = payment.ApplyCancellation(ctx, tx, order, c, models.RefundSourceWebhook, r.now())
			if err != nil {
				return err
			}
		}
		outcome = result.Outcome
		return tx.SetWebhookOutcome(ctx, event.WebhookID, outcome)
	})
	if err != nil {
		return "", fmt.Errorf("failed to apply cancellation %s: %w", c.CancellationID, err)
	}

	switch outcome {
	case models.WebhookOutcomeGap:
		var orderID int64
		if order != nil {
			orderID = order.ID
		}
		r.reportGap(ctx, event, orderID, result.Detail)
	case models.WebhookOutcomeApplied:
		middleware.RecordRefund(string(models.RefundStatusSuccess))
		r.publish(ctx, models.OrderEvent{
			EventType:  models.EventRefundSucceeded,
			OrderID:    order.ID,
			UserID:     order.UserID,
			PaymentID:  c.PaymentID,
			Status:     order.Status,
			TotalPrice: order.TotalPrice,
			RefundID:   result.Refund.ID,
			Amount:     result.Refund.Amount,
			Detail:     string(models.RefundSourceWebhook),
		})
	}
	return outcome, nil
}

// cancellation builds the cancellation a notification describes. When the
// payload omits the amount it is read from the gateway's cancellation record.
func (r *Reconciler) cancellation(ctx context.Context, webhookID string, payload models.WebhookPayload) (models.Cancellation, error) {
	data := payload.Data
	if data.PaymentID == "" {
		return models.Cancellation{}, fmt.Errorf("%w: missing paymentId", models.ErrMalformedWebhook)
	}

	c := models.Cancellation{
		PaymentID:      data.PaymentID,
		CancellationID: data.CancellationID,
		Reason:         data.Reason,
		Full:           payload.Type == models.WebhookTransactionCancelled,
	}
	if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
		c.CancelledAt = ts
	}

	switch {
	case data.CancelledAmount != nil:
		c.Amount = *data.CancelledAmount
	case data.CancellationID != "":
		p, err := r.gateway.GetPayment(ctx, data.PaymentID)
		if err != nil {
			return models.Cancellation{}, fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
		}
		gc, ok := p.Cancellation(data.CancellationID)
		if !ok {
			// Not yet SUCCEEDED at the gateway; a redelivery will retry.
			return models.Cancellation{}, fmt.Errorf("%w: cancellation %s not settled at gateway",
				models.ErrGatewayUnavailable, data.CancellationID)
		}
		c.Amount = gc.TotalAmount
		if c.Reason == "" {
			c.Reason = gc.Reason
		}
		if !gc.CancelledAt.IsZero() {
			c.CancelledAt = gc.CancelledAt
		}
		if p.Status == gateway.StatusCancelled {
			c.Full = true
		}
	case !c.Full:
		return models.Cancellation{}, fmt.Errorf("%w: partial cancellation without amount or cancellationId",
			models.ErrMalformedWebhook)
	}

	if c.CancellationID == "" {
		c.CancellationID = "webhook-" + webhookID
	}
	if c.Reason == "" {
		c.Reason = "cancelled at payment gateway"
	}
	return c, nil
}

// record claims a delivery that has no order-level effect of its own.
func (r *Reconciler) record(ctx context.Context, event *models.WebhookEvent, outcome models.WebhookOutcome) (models.WebhookOutcome, error) {
	err := r.store.InTx(ctx, func(tx payment.Tx) error {
		claimed, err := tx.ClaimWebhook(ctx, event)
		if err != nil {
			return err
		}
		if !claimed {
			outcome = models.WebhookOutcomeDuplicate
			return nil
		}
		return tx.SetWebhookOutcome(ctx, event.WebhookID, outcome)
	})
	if err != nil {
		return "", fmt.Errorf("failed to record webhook %s: %w", event.WebhookID, err)
	}
	return outcome, nil
}

// reportGap raises the alarm for a notification that could not be reflected
// locally. The delivery itself is acknowledged.
func (r *Reconciler) reportGap(ctx context.Context, event *models.WebhookEvent, orderID int64, detail string) {
	middleware.RecordReconciliationGap("webhook")
	r.logger.Error("Reconciliation gap",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Bool("alarm", true),
		zap.String("webhook_id", event.WebhookID),
		zap.String("type", string(event.Type)),
		zap.String("payment_id", event.PaymentID),
		zap.String("detail", detail),
	)
	r.publish(ctx, models.OrderEvent{
		EventType: models.EventReconciliationGap,
		OrderID:   orderID,
		PaymentID: event.PaymentID,
		Detail:    detail,
	})
	if r.publisher == nil {
		return
	}
	err := r.publisher.RequestReview(ctx, models.ReviewRequest{
		PaymentID:   event.PaymentID,
		OrderID:     orderID,
		Reason:      models.ReviewWebhookGap,
		Detail:      detail,
		RequestedAt: r.now(),
	})
	if err != nil {
		r.logger.Error("Failed to queue reconciliation review",
			zap.String("payment_id", event.PaymentID),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) publish(ctx context.Context, event models.OrderEvent) {
	if r.publisher == nil {
		return
	}
	event.OccurredAt = r.now()
	if err := r.publisher.PublishOrderEvent(ctx, event); err != nil {
		r.logger.Error("Failed to publish event",
			zap.String("event_type", event.EventType),
			zap.String("payment_id", event.PaymentID),
			zap.Error(err),
		)
	}
}
