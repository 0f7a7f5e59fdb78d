package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-svc/gateway"
	"order-svc/middleware"
	"order-svc/models"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RefundWorkflow executes user-requested full and partial refunds.
//
// The cancellable balance is read and the refund reserved under the order
// row lock. The lock is released for the gateway call and the balance is
// re-checked under a fresh lock before the result is committed.
type RefundWorkflow struct {
	store     Store
	gateway   Gateway
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewRefundWorkflow(store Store, gw Gateway, publisher Publisher, logger *zap.Logger) *RefundWorkflow {
	return &RefundWorkflow{
		store:     store,
		gateway:   gw,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (w *RefundWorkflow) Refund(ctx context.Context, userID int64, req models.RefundRequest) (*models.Refund, error) {
	ctx, span := tracer.Start(ctx, "RefundPayment")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("order.id", req.OrderID),
		attribute.String("payment.id", req.PaymentID),
	)

	if req.IdempotencyKey != "" {
		existing, err := w.store.FindRefundByIdempotencyKey(ctx, req.OrderID, req.IdempotencyKey)
		if err == nil {
			if existing.UserID != userID {
				return nil, models.ErrAccessDenied
			}
			if existing.Status == models.RefundStatusPending {
				return existing, models.ErrRefundInProgress
			}
			return w.settled(ctx, existing)
		}
		if !errors.Is(err, models.ErrRefundNotFound) {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	refund, balance, err := w.reserve(ctx, userID, req)
	if errors.Is(err, models.ErrDuplicateRequest) {
		return nil, models.ErrRefundInProgress
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("refund.id", refund.ID),
		attribute.Int64("refund.amount", refund.Amount),
	)

	result, err := w.gateway.Cancel(ctx, gateway.CancelRequest{
		PaymentID:                req.PaymentID,
		Amount:                   refund.Amount,
		Reason:                   refund.Reason,
		CurrentCancellableAmount: balance,
		IdempotencyKey:           fmt.Sprintf("refund-%d", refund.ID),
	})
	if err != nil {
		span.RecordError(err)
		return nil, w.recordGatewayFailure(ctx, req.PaymentID, refund, err)
	}

	return w.commit(ctx, req.PaymentID, refund, result)
}

// reserve validates the request against the locked order and inserts a
// PENDING refund. It returns the refund and the balance it was checked against.
func (w *RefundWorkflow) reserve(ctx context.Context, userID int64, req models.RefundRequest) (*models.Refund, int64, error) {
	var (
		refund  *models.Refund
		balance int64
	)
	err := w.store.InTx(ctx, func(tx Tx) error {
		order, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.UserID != userID || order.PaymentID != req.PaymentID {
			return models.ErrAccessDenied
		}
		if !order.Status.Refundable() {
			return fmt.Errorf("%w: order %d is %s", models.ErrRefundAmountInvalid, order.ID, order.Status)
		}
		if req.ProductID != nil && !order.HasProduct(*req.ProductID) {
			return fmt.Errorf("%w: product %d is not part of order %d", models.ErrInvalidOrderRequest, *req.ProductID, order.ID)
		}

		balance = order.CurrentCancellableAmount()
		available := balance - order.ReservedRefundAmount()

		if req.CurrentCancellableAmount != nil && *req.CurrentCancellableAmount != balance {
			w.logger.Warn("Client cancellable amount is stale",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.Int64("order_id", order.ID),
				zap.Int64("client_amount", *req.CurrentCancellableAmount),
				zap.Int64("server_amount", balance),
			)
		}

		target := available
		if req.Amount != nil {
			target = *req.Amount
		}
		if target <= 0 || target > available {
			return fmt.Errorf("%w: requested %d, refundable %d", models.ErrRefundAmountInvalid, target, available)
		}

		refund = &models.Refund{
			OrderID:                  order.ID,
			UserID:                   userID,
			ProductID:                req.ProductID,
			Reason:                   req.Reason,
			Amount:                   target,
			CurrentCancellableAmount: balance,
			AllRefund:                req.Amount == nil,
			Status:                   models.RefundStatusPending,
			Source:                   models.RefundSourceUser,
			IdempotencyKey:           req.IdempotencyKey,
			RequestedAt:              w.now(),
		}
		return tx.InsertRefund(ctx, refund)
	})
	if err != nil {
		return nil, 0, err
	}
	return refund, balance, nil
}

func (w *RefundWorkflow) recordGatewayFailure(ctx context.Context, paymentID string, refund *models.Refund, cause error) error {
	outcome := models.RefundOutcomeNotCharged
	if gateway.OutcomeOf(cause) == gateway.OutcomeUnknown {
		outcome = models.RefundOutcomeUnknown
	}
	needsReview := outcome == models.RefundOutcomeUnknown

	err := w.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockOrder(ctx, refund.OrderID); err != nil {
			return err
		}
		if err := refund.Fail(cause.Error(), needsReview, w.now()); err != nil {
			return err
		}
		return tx.UpdateRefund(ctx, refund)
	})
	if err != nil {
		// The row stays PENDING and keeps its reservation until reconciled.
		w.logger.Error("Failed to record refund failure",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int64("refund_id", refund.ID),
			zap.Error(err),
		)
		needsReview = true
	}

	middleware.RecordRefund(string(models.RefundStatusFailed))
	w.publish(ctx, models.OrderEvent{
		EventType: models.EventRefundFailed,
		OrderID:   refund.OrderID,
		UserID:    refund.UserID,
		PaymentID: paymentID,
		RefundID:  refund.ID,
		Amount:    refund.Amount,
		Detail:    string(outcome),
	})
	if needsReview {
		w.requestReview(ctx, models.ReviewRequest{
			PaymentID: paymentID,
			OrderID:   refund.OrderID,
			RefundID:  refund.ID,
			Reason:    models.ReviewRefundUnknown,
			Detail:    cause.Error(),
		})
	}

	return &models.RefundGatewayError{RefundID: refund.ID, Outcome: outcome, Err: cause}
}

// commit records a gateway-confirmed cancellation, re-checking the balance
// under the order lock.
func (w *RefundWorkflow) commit(ctx context.Context, paymentID string, refund *models.Refund, result *gateway.CancelResult) (*models.Refund, error) {
	var (
		recorded   *models.Refund
		superseded bool
		changed    bool
		userID     int64
	)
	err := w.store.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockOrder(ctx, refund.OrderID)
		if err != nil {
			return err
		}
		userID = locked.UserID

		if current := locked.RefundByID(refund.ID); current != nil && current.Status != models.RefundStatusPending {
			// Settled by the resolver while the gateway call was in flight.
			superseded = true
			copied := *current
			recorded = &copied
			return nil
		}

		if existing := locked.RefundByCancellationID(result.CancellationID); existing != nil {
			// The gateway's webhook for this cancellation was applied first.
			superseded = true
			copied := *existing
			recorded = &copied
			if err := refund.Fail(models.SupersededReason(existing.ID), false, w.now()); err != nil {
				return err
			}
			return tx.UpdateRefund(ctx, refund)
		}

		// Our own reservation is not part of the balance; only SUCCESS rows are.
		if result.ConfirmedAmount <= 0 || result.ConfirmedAmount > locked.CurrentCancellableAmount() {
			changed = true
			if err := refund.Fail(models.ErrRefundBalanceChanged.Error(), true, w.now()); err != nil {
				return err
			}
			return tx.UpdateRefund(ctx, refund)
		}

		if err := refund.Succeed(result.ConfirmedAmount, result.CancellationID, result.CancelledAt); err != nil {
			return err
		}
		if err := tx.UpdateRefund(ctx, refund); err != nil {
			return err
		}
		locked.RecordRefund(*refund)
		if err := locked.SettleRefunds(false); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, locked)
	})
	if err != nil {
		// The gateway has moved the money but the local record could not be
		// written. The refund stays PENDING for the resolver to settle.
		w.requestReview(ctx, models.ReviewRequest{
			PaymentID: paymentID,
			OrderID:   refund.OrderID,
			RefundID:  refund.ID,
			Reason:    models.ReviewRefundNotRecorded,
			Detail:    fmt.Sprintf("cancellation %s: %v", result.CancellationID, err),
		})
		return nil, &models.RefundGatewayError{RefundID: refund.ID, Outcome: models.RefundOutcomeUnknown, Err: err}
	}

	switch {
	case superseded:
		w.logger.Info("Refund already recorded",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int64("refund_id", refund.ID),
			zap.Int64("recorded_refund_id", recorded.ID),
			zap.String("cancellation_id", result.CancellationID),
		)
		return w.settled(ctx, recorded)

	case changed:
		middleware.RecordRefund(string(models.RefundStatusFailed))
		w.requestReview(ctx, models.ReviewRequest{
			PaymentID: paymentID,
			OrderID:   refund.OrderID,
			RefundID:  refund.ID,
			Reason:    models.ReviewBalanceChanged,
			Detail:    fmt.Sprintf("gateway cancelled %d as %s", result.ConfirmedAmount, result.CancellationID),
		})
		return nil, fmt.Errorf("%w: %w", models.ErrRefundAmountInvalid, models.ErrRefundBalanceChanged)
	}

	middleware.RecordRefund(string(models.RefundStatusSuccess))
	w.publish(ctx, models.OrderEvent{
		EventType: models.EventRefundSucceeded,
		OrderID:   refund.OrderID,
		UserID:    userID,
		PaymentID: paymentID,
		RefundID:  refund.ID,
		Amount:    refund.Amount,
	})
	w.logger.Info("Refund succeeded",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int64("order_id", refund.OrderID),
		zap.Int64("refund_id", refund.ID),
		zap.Int64("amount", refund.Amount),
		zap.String("cancellation_id", refund.CancellationID),
	)
	return refund, nil
}

// settled reports a refund that already reached a terminal state the same
// way the request that created it was answered. A FAILED row is never
// returned as a result.
func (w *RefundWorkflow) settled(ctx context.Context, refund *models.Refund) (*models.Refund, error) {
	if refund.Status != models.RefundStatusFailed {
		return refund, nil
	}

	if recordedID, ok := refund.SupersededBy(); ok {
		order, err := w.store.GetOrder(ctx, refund.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order %d: %w", refund.OrderID, err)
		}
		if recorded := order.RefundByID(recordedID); recorded != nil && recorded.Status == models.RefundStatusSuccess {
			copied := *recorded
			return &copied, nil
		}
	}

	if refund.FailureReason == models.ErrRefundBalanceChanged.Error() {
		return nil, fmt.Errorf("%w: %w", models.ErrRefundAmountInvalid, models.ErrRefundBalanceChanged)
	}

	outcome := models.RefundOutcomeNotCharged
	if refund.NeedsReview {
		outcome = models.RefundOutcomeUnknown
	}
	return nil, &models.RefundGatewayError{
		RefundID: refund.ID,
		Outcome:  outcome,
		Err:      errors.New(refund.FailureReason),
	}
}

func (w *RefundWorkflow) publish(ctx context.Context, event models.OrderEvent) {
	publishEvent(ctx, w.publisher, w.logger, event, w.now())
}

func (w *RefundWorkflow) requestReview(ctx context.Context, req models.ReviewRequest) {
	requestReview(ctx, w.publisher, w.logger, req, w.now())
}
