package models

import "time"

type WebhookEventType string

const (
	WebhookTransactionPaid             WebhookEventType = "Transaction.Paid"
	WebhookTransactionFailed           WebhookEventType = "Transaction.Failed"
	WebhookTransactionCancelled        WebhookEventType = "Transaction.Cancelled"
	WebhookTransactionPartialCancelled WebhookEventType = "Transaction.PartialCancelled"
)

// WebhookOutcome is stored with each processed delivery.
type WebhookOutcome string

const (
	WebhookOutcomeProcessing     WebhookOutcome = "processing"
	WebhookOutcomeApplied        WebhookOutcome = "applied"
	WebhookOutcomeAlreadyApplied WebhookOutcome = "already_applied"
	WebhookOutcomeDuplicate      WebhookOutcome = "duplicate"
	WebhookOutcomeUnhandled      WebhookOutcome = "unhandled"
	WebhookOutcomeIgnored        WebhookOutcome = "ignored"
	WebhookOutcomeGap            WebhookOutcome = "reconciliation_gap"
	WebhookOutcomeMismatch       WebhookOutcome = "amount_mismatch"
)

type WebhookEvent struct {
	WebhookID   string           `json:"webhookId"`
	Type        WebhookEventType `json:"type"`
	PaymentID   string           `json:"paymentId"`
	Outcome     WebhookOutcome   `json:"outcome"`
	Payload     []byte           `json:"-"`
	ReceivedAt  time.Time        `json:"receivedAt"`
	ProcessedAt *time.Time       `json:"processedAt,omitempty"`
}

// WebhookPayload is the decoded gateway notification body.
type WebhookPayload struct {
	Type      WebhookEventType `json:"type"`
	Timestamp string           `json:"timestamp"`
	Data      WebhookData      `json:"data"`
}

type WebhookData struct {
	StoreID         string `json:"storeId"`
	PaymentID       string `json:"paymentId"`
	TransactionID   string `json:"transactionId"`
	CancellationID  string `json:"cancellationId"`
	CancelledAmount *int64 `json:"cancelledAmount,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Cancellation is a gateway-side cancellation to be reflected locally.
type Cancellation struct {
	PaymentID      string
	CancellationID string
	Amount         int64
	Reason         string
	// Full is set when the gateway reports the whole payment cancelled.
	Full        bool
	CancelledAt time.Time
}
