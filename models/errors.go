package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrderRequest    = errors.New("invalid order request")
	ErrOrderNotFound          = errors.New("order not found")
	ErrAccessDenied           = errors.New("access denied")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	ErrPaymentAmountMismatch = errors.New("payment amount mismatch")
	ErrPaymentNotCompleted   = errors.New("payment not completed")
	ErrPaymentFailed         = errors.New("payment failed")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrCatalogUnavailable    = errors.New("catalog unavailable")

	ErrRefundAmountInvalid  = errors.New("refund amount invalid")
	ErrRefundBalanceChanged = errors.New("cancellable balance changed")
	ErrRefundInProgress     = errors.New("refund in progress")
	ErrRefundNotFound       = errors.New("refund not found")

	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrReplayDetected     = errors.New("webhook timestamp outside tolerance")
	ErrMalformedWebhook   = errors.New("malformed webhook payload")
	ErrReconciliationGap  = errors.New("reconciliation gap")
	ErrDuplicateWebhook   = errors.New("webhook already processed")
	ErrDuplicateRequest   = errors.New("duplicate idempotency key")
	ErrCancellationExists = errors.New("cancellation already recorded")
)

// RefundOutcome tells the caller whether money may have moved.
type RefundOutcome string

const (
	RefundOutcomeNotCharged RefundOutcome = "NOT_CHARGED"
	RefundOutcomeUnknown    RefundOutcome = "UNKNOWN"
)

type RefundGatewayError struct {
	RefundID int64
	Outcome  RefundOutcome
	Err      error
}

func (e *RefundGatewayError) Error() string {
	return fmt.Sprintf("refund %d gateway error (%s): %v", e.RefundID, e.Outcome, e.Err)
}

func (e *RefundGatewayError) Unwrap() error {
	return e.Err
}

// Retryable is true when the gateway may have processed the cancellation.
func (e *RefundGatewayError) Retryable() bool {
	return e.Outcome == RefundOutcomeUnknown
}
