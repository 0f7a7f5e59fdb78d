package payment

import (
	"context"
	"fmt"
	"time"

	"order-svc/models"
)

// ApplyResult describes what ApplyCancellation did to the locked order.
type ApplyResult struct {
	Outcome models.WebhookOutcome
	Refund  *models.Refund
	Detail  string
}

// ApplyCancellation records a gateway-confirmed cancellation against an order
// that the caller holds locked in tx. A cancellation id that is already
// recorded is a no-op. A cancellation the order cannot absorb is reported
// as a reconciliation gap and leaves the order untouched.
func ApplyCancellation(ctx context.Context, tx Tx, order *models.Order, c models.Cancellation, source models.RefundSource, now time.Time) (ApplyResult, error) {
	if existing := order.RefundByCancellationID(c.CancellationID); existing != nil {
		return ApplyResult{Outcome: models.WebhookOutcomeAlreadyApplied, Refund: existing}, nil
	}

	if !order.Status.Refundable() {
		return ApplyResult{
			Outcome: models.WebhookOutcomeGap,
			Detail:  fmt.Sprintf("cancellation %s of %d for order in status %s", c.CancellationID, c.Amount, order.Status),
		}, nil
	}

	balance := order.CurrentCancellableAmount()
	if c.Amount <= 0 || c.Amount > balance {
		return ApplyResult{
			Outcome: models.WebhookOutcomeGap,
			Detail:  fmt.Sprintf("cancellation %s of %d exceeds cancellable balance %d", c.CancellationID, c.Amount, balance),
		}, nil
	}

	completedAt := c.CancelledAt
	if completedAt.IsZero() {
		completedAt = now
	}

	refund := &models.Refund{
		OrderID:                  order.ID,
		UserID:                   order.UserID,
		Reason:                   c.Reason,
		Amount:                   c.Amount,
		CurrentCancellableAmount: balance,
		AllRefund:                c.Amount == balance,
		Status:                   models.RefundStatusPending,
		Source:                   source,
		RequestedAt:              now,
	}
	if err := refund.Succeed(c.Amount, c.CancellationID, completedAt); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.InsertRefund(ctx, refund); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to record cancellation %s: %w", c.CancellationID, err)
	}

	// With a user refund in flight the cancellation is most likely that
	// refund arriving first, so the order ends REFUNDED rather than CANCELLED.
	gatewayInitiated := order.ReservedRefundAmount() == 0

	order.RecordRefund(*refund)
	if err := order.SettleRefunds(gatewayInitiated); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: models.WebhookOutcomeApplied, Refund: refund}, nil
}
