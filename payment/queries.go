package payment

import (
	"context"
	"fmt"
	"time"

	"order-svc/models"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

var historyPeriods = map[string]func(time.Time) time.Time{
	"1month":  func(t time.Time) time.Time { return t.AddDate(0, -1, 0) },
	"3months": func(t time.Time) time.Time { return t.AddDate(0, -3, 0) },
	"6months": func(t time.Time) time.Time { return t.AddDate(0, -6, 0) },
	"1year":   func(t time.Time) time.Time { return t.AddDate(-1, 0, 0) },
}

// Queries serves read-only order views, always scoped to the caller.
type Queries struct {
	store Store
	now   func() time.Time
}

func NewQueries(store Store) *Queries {
	return &Queries{store: store, now: time.Now}
}

// PeriodStart returns the earliest order time included for a history period.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	if period == "" {
		period = "1month"
	}
	fn, ok := historyPeriods[period]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unknown period %q", models.ErrInvalidOrderRequest, period)
	}
	return fn(now), nil
}

func (q *Queries) History(ctx context.Context, userID int64, period string, page, size int) (models.PageResponse[models.OrderSummary], error) {
	since, err := PeriodStart(period, q.now())
	if err != nil {
		return models.PageResponse[models.OrderSummary]{}, err
	}
	if page < 0 {
		return models.PageResponse[models.OrderSummary]{}, fmt.Errorf("%w: page must not be negative", models.ErrInvalidOrderRequest)
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	summaries, total, err := q.store.ListOrders(ctx, userID, since, page, size)
	if err != nil {
		return models.PageResponse[models.OrderSummary]{}, fmt.Errorf("failed to list orders: %w", err)
	}
	return models.NewPageResponse(summaries, page, size, total), nil
}

func (q *Queries) Detail(ctx context.Context, userID, orderID int64) (*models.OrderDetail, error) {
	order, err := q.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return &models.OrderDetail{
		Order:                    *order,
		CurrentCancellableAmount: order.CurrentCancellableAmount(),
	}, nil
}

// OrderItem returns one line of the caller's order, as used when writing a
// review for a purchased product.
func (q *Queries) OrderItem(ctx context.Context, userID, orderID, productID int64) (*models.OrderItemInfo, error) {
	order, err := q.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	item, ok := order.Item(productID)
	if !ok {
		return nil, fmt.Errorf("%w: product %d is not part of order %d", models.ErrOrderNotFound, productID, orderID)
	}
	return &models.OrderItemInfo{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OrderItem:   item,
		OrderedAt:   order.CreatedAt,
	}, nil
}

// PaymentOwner checks that paymentID belongs to one of userID's orders.
func (q *Queries) PaymentOwner(ctx context.Context, userID int64, paymentID string) error {
	order, err := q.store.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return models.ErrAccessDenied
	}
	return nil
}

func (q *Queries) ownedOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := q.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, models.ErrAccessDenied
	}
	return order, nil
}
