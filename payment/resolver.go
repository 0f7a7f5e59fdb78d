package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-svc/middleware"
	"order-svc/models"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Resolver aligns one payment's local records with the gateway. It serves the
// reconciliation queue and manual runs.
type Resolver struct {
	store          Store
	gateway        Gateway
	orchestrator   *Orchestrator
	pendingTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

func NewResolver(store Store, gw Gateway, orchestrator *Orchestrator, pendingTimeout time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:          store,
		gateway:        gw,
		orchestrator:   orchestrator,
		pendingTimeout: pendingTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

type ResolveReport struct {
	PaymentID            string             `json:"paymentId"`
	OrderID              int64              `json:"orderId"`
	Status               models.OrderStatus `json:"status"`
	AppliedCancellations int                `json:"appliedCancellations"`
	ExpiredRefunds       int                `json:"expiredRefunds"`
	Gaps                 []string           `json:"gaps,omitempty"`
}

func (r *Resolver) Resolve(ctx context.Context, paymentID string) (*ResolveReport, error) {
	ctx, span := tracer.Start(ctx, "ResolvePayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	order, err := r.store.GetOrderByPaymentID(ctx, paymentID)
	if errors.Is(err, models.ErrOrderNotFound) {
		r.reportGap(ctx, paymentID, "payment unknown locally")
		return &ResolveReport{PaymentID: paymentID, Gaps: []string{"payment unknown locally"}}, nil
	}
	if err != nil {
		return nil, err
	}

	report := &ResolveReport{PaymentID: paymentID, OrderID: order.ID, Status: order.Status}

	if order.Status == models.OrderStatusPending {
		validated, err := r.orchestrator.validate(ctx, paymentID, false)
		switch {
		case err == nil, errors.Is(err, models.ErrPaymentFailed), errors.Is(err, models.ErrPaymentNotCompleted):
		case errors.Is(err, models.ErrPaymentAmountMismatch):
			report.Gaps = append(report.Gaps, err.Error())
		default:
			return nil, err
		}
		if validated != nil {
			report.Status = validated.Status
		}
		if !report.Status.Settled() {
			return report, nil
		}
	}

	payment, err := r.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
	}

	err = r.store.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockOrderByPaymentID(ctx, paymentID)
		if err != nil {
			return err
		}

		for _, gc := range payment.SucceededCancellations() {
			if locked.RefundByCancellationID(gc.ID) != nil {
				continue
			}
			res, err := ApplyCancellation(ctx, tx, locked, models.Cancellation{
				PaymentID:      paymentID,
				CancellationID: gc.ID,
				Amount:         gc.TotalAmount,
				Reason:         gc.Reason,
				CancelledAt:    gc.CancelledAt,
			}, models.RefundSourceReconciliation, r.now())
			if err != nil {
				return err
			}
			switch res.Outcome {
			case models.WebhookOutcomeApplied:
				report.AppliedCancellations++
			case models.WebhookOutcomeGap:
				report.Gaps = append(report.Gaps, res.Detail)
			}
		}

		cutoff := r.now().Add(-r.pendingTimeout)
		for i := range locked.Refunds {
			refund := &locked.Refunds[i]
			if refund.Status != models.RefundStatusPending || refund.RequestedAt.After(cutoff) {
				continue
			}
			if err := refund.Fail("not settled within "+r.pendingTimeout.String(), true, r.now()); err != nil {
				return err
			}
			if err := tx.UpdateRefund(ctx, refund); err != nil {
				return err
			}
			report.ExpiredRefunds++
		}

		if local := locked.TotalPrice - locked.CurrentCancellableAmount(); local != payment.Amount.Cancelled {
			report.Gaps = append(report.Gaps,
				fmt.Sprintf("gateway cancelled %d, locally refunded %d", payment.Amount.Cancelled, local))
		}
		report.Status = locked.Status
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to reconcile payment %s: %w", paymentID, err)
	}

	for _, gap := range report.Gaps {
		r.reportGap(ctx, paymentID, gap)
	}
	r.logger.Info("Payment reconciled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("payment_id", paymentID),
		zap.String("status", string(report.Status)),
		zap.Int("applied_cancellations", report.AppliedCancellations),
		zap.Int("expired_refunds", report.ExpiredRefunds),
	)
	return report, nil
}

func (r *Resolver) reportGap(ctx context.Context, paymentID, detail string) {
	middleware.RecordReconciliationGap("resolver")
	r.logger.Error("Reconciliation gap",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Bool("alarm", true),
		zap.String("payment_id", paymentID),
		zap.String("detail", detail),
	)
}
