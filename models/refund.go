package models

import (
	"fmt"
	"time"
)

type RefundStatus string

const (
	RefundStatusPending RefundStatus = "PENDING"
	RefundStatusSuccess RefundStatus = "SUCCESS"
	RefundStatusFailed  RefundStatus = "FAILED"
)

func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusSuccess || s == RefundStatusFailed
}

// RefundSource records which path created the refund row.
type RefundSource string

const (
	RefundSourceUser           RefundSource = "USER"
	RefundSourceWebhook        RefundSource = "WEBHOOK"
	RefundSourceReconciliation RefundSource = "RECONCILIATION"
)

type Refund struct {
	ID                       int64        `json:"refundId"`
	OrderID                  int64        `json:"orderId"`
	UserID                   int64        `json:"userId"`
	ProductID                *int64       `json:"productId,omitempty"`
	Reason                   string       `json:"reason"`
	Amount                   int64        `json:"amount"`
	CurrentCancellableAmount int64        `json:"currentCancellableAmount"`
	AllRefund                bool         `json:"allRefund"`
	Status                   RefundStatus `json:"status"`
	Source                   RefundSource `json:"source"`
	CancellationID           string       `json:"cancellationId,omitempty"`
	IdempotencyKey           string       `json:"-"`
	FailureReason            string       `json:"failureReason,omitempty"`
	NeedsReview              bool         `json:"needsReview"`
	RequestedAt              time.Time    `json:"requestedAt"`
	CompletedAt              *time.Time   `json:"completedAt,omitempty"`
}

// Succeed moves a pending refund to SUCCESS with the amount the gateway confirmed.
func (r *Refund) Succeed(confirmed int64, cancellationID string, at time.Time) error {
	if r.Status != RefundStatusPending {
		return ErrInvalidStateTransition
	}
	r.Status = RefundStatusSuccess
	r.Amount = confirmed
	r.CancellationID = cancellationID
	r.CompletedAt = &at
	return nil
}

func (r *Refund) Fail(reason string, needsReview bool, at time.Time) error {
	if r.Status != RefundStatusPending {
		return ErrInvalidStateTransition
	}
	r.Status = RefundStatusFailed
	r.FailureReason = reason
	r.NeedsReview = needsReview
	r.CompletedAt = &at
	return nil
}

const supersededPrefix = "recorded by refund "

// SupersededReason is the failure reason of a refund whose gateway
// cancellation was recorded on another refund row.
func SupersededReason(recordedID int64) string {
	return fmt.Sprintf("%s%d", supersededPrefix, recordedID)
}

// SupersededBy returns the refund that holds this row's cancellation.
func (r *Refund) SupersededBy() (int64, bool) {
	if r.Status != RefundStatusFailed {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(r.FailureReason, supersededPrefix+"%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
