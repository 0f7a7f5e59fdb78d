package payment

import (
	"context"
	"time"

	"order-svc/gateway"
	"order-svc/models"
)

// Tx is the set of writes that must run under the per-order row lock.
// Loaded orders carry their items and refunds.
type Tx interface {
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	LockOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	InsertRefund(ctx context.Context, refund *models.Refund) error
	UpdateRefund(ctx context.Context, refund *models.Refund) error
	// ClaimWebhook records a delivery. It returns false when the webhook id
	// is already present.
	ClaimWebhook(ctx context.Context, event *models.WebhookEvent) (bool, error)
	SetWebhookOutcome(ctx context.Context, webhookID string, outcome models.WebhookOutcome) error
}

type Store interface {
	// InTx runs fn in one database transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64, since time.Time, page, size int) ([]models.OrderSummary, int64, error)
	FindRefundByIdempotencyKey(ctx context.Context, orderID int64, key string) (*models.Refund, error)
	WebhookProcessed(ctx context.Context, webhookID string) (bool, error)
}

type Gateway interface {
	StartIntent(ctx context.Context, in gateway.Intent) (string, error)
	Confirm(ctx context.Context, paymentID string) (*gateway.Confirmation, error)
	GetPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	Cancel(ctx context.Context, req gateway.CancelRequest) (*gateway.CancelResult, error)
}

type Catalog interface {
	Resolve(ctx context.Context, productID int64) (models.Product, error)
}

type Publisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
	RequestReview(ctx context.Context, req models.ReviewRequest) error
}
