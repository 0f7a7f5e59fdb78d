package models

import "time"

const (
	EventOrderCreated          = "order_created"
	EventPaymentPaid           = "payment_paid"
	EventPaymentFailed         = "payment_failed"
	EventPaymentAmountMismatch = "payment_amount_mismatch"
	EventRefundSucceeded       = "refund_succeeded"
	EventRefundFailed          = "refund_failed"
	EventReconciliationGap     = "reconciliation_gap"
)

type OrderEvent struct {
	EventType  string      `json:"event_type"`
	OrderID    int64       `json:"order_id,omitempty"`
	UserID     int64       `json:"user_id,omitempty"`
	PaymentID  string      `json:"payment_id"`
	Status     OrderStatus `json:"status,omitempty"`
	TotalPrice int64       `json:"total_price,omitempty"`
	RefundID   int64       `json:"refund_id,omitempty"`
	Amount     int64       `json:"amount,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// ReviewReason says why a payment was queued for asynchronous reconciliation.
type ReviewReason string

const (
	ReviewValidationUnknown ReviewReason = "validation_unknown"
	ReviewRefundUnknown     ReviewReason = "refund_unknown"
	ReviewBalanceChanged    ReviewReason = "refund_balance_changed"
	ReviewRefundNotRecorded ReviewReason = "refund_not_recorded"
	ReviewWebhookGap        ReviewReason = "webhook_gap"
)

// ReviewRequest is published when local and gateway state may have diverged.
type ReviewRequest struct {
	PaymentID   string       `json:"payment_id"`
	OrderID     int64        `json:"order_id,omitempty"`
	RefundID    int64        `json:"refund_id,omitempty"`
	Reason      ReviewReason `json:"reason"`
	Detail      string       `json:"detail,omitempty"`
	RequestedAt time.Time    `json:"requested_at"`
}
