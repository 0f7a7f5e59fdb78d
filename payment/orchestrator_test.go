package payment_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"order-svc/gateway"
	"order-svc/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog map[int64]models.Product

func (c stubCatalog) Resolve(ctx context.Context, productID int64) (models.Product, error) {
	p, ok := c[productID]
	if !ok {
		return models.Product{}, models.ErrInvalidOrderRequest
	}
	return p, nil
}

func startRequest(total int64) models.StartPaymentRequest {
	return models.StartPaymentRequest{
		TotalPrice: total,
		OrderType:  models.OrderTypeOnline,
		Items: []models.OrderItemRequest{
			{ProductID: 1, ProductName: "Keyboard", ProductPrice: 2500, Quantity: 2},
			{ProductID: 2, ProductName: "Mouse", ProductPrice: 3000, Quantity: 1},
		},
		Delivery: models.OrderDeliveryRequest{
			ReceiverName:  "Kim",
			ReceiverPhone: "010-1234-5678",
			Address:       "Seoul",
		},
	}
}

func TestStartPayment(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)

	order, err := o.StartPayment(context.Background(), 1, startRequest(8000), "")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(8000), order.TotalPrice)
	assert.Equal(t, "KRW", order.Currency)
	assert.NotEmpty(t, order.PaymentID)
	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD"), order.OrderNumber)
	assert.Len(t, order.Items, 2)
	assert.Equal(t, []string{models.EventOrderCreated}, f.publisher.EventTypes())

	stored := f.store.Order(order.ID)
	require.NotNil(t, stored)
	assert.Equal(t, order.PaymentID, stored.PaymentID)
	assert.Equal(t, "Seoul", stored.Delivery.Address)
}

func TestStartPayment_TotalMismatchRejectedBeforeGateway(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)

	_, err := o.StartPayment(context.Background(), 1, startRequest(7500), "")

	assert.ErrorIs(t, err, models.ErrInvalidOrderRequest)
	assert.Equal(t, 0, f.gateway.IntentCalls)
	assert.Empty(t, f.publisher.EventTypes())
}

func TestStartPayment_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.StartPaymentRequest)
	}{
		{"no items", func(r *models.StartPaymentRequest) { r.Items = nil }},
		{"unknown order type", func(r *models.StartPaymentRequest) { r.OrderType = "MAIL" }},
		{"missing receiver", func(r *models.StartPaymentRequest) { r.Delivery.ReceiverName = " " }},
		{"zero quantity", func(r *models.StartPaymentRequest) { r.Items[0].Quantity = 0 }},
		{"overflowing line items", func(r *models.StartPaymentRequest) {
			r.Items[0].ProductPrice = 1 << 62
			r.Items[0].Quantity = 4
			r.Items[1].ProductPrice = 100
			r.Items[1].Quantity = 1
			r.TotalPrice = 100
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := startRequest(8000)
			tt.mutate(&req)

			_, err := f.orchestrator(nil).StartPayment(context.Background(), 1, req, "")

			assert.ErrorIs(t, err, models.ErrInvalidOrderRequest)
			assert.Equal(t, 0, f.gateway.IntentCalls)
		})
	}
}

func TestStartPayment_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)

	first, err := o.StartPayment(context.Background(), 1, startRequest(8000), "key-1")
	require.NoError(t, err)
	second, err := o.StartPayment(context.Background(), 1, startRequest(8000), "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, f.gateway.IntentCalls)
}

func TestStartPayment_CatalogPrices(t *testing.T) {
	catalog := stubCatalog{
		1: {ID: 1, Name: "Mechanical Keyboard", Price: 2500},
		2: {ID: 2, Name: "Wireless Mouse", Price: 3000},
	}

	t.Run("snapshots catalog names", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.orchestrator(catalog).StartPayment(context.Background(), 1, startRequest(8000), "")
		require.NoError(t, err)
		assert.Equal(t, "Mechanical Keyboard", order.Items[0].ProductName)
		assert.Equal(t, "Wireless Mouse", order.Items[1].ProductName)
	})

	t.Run("rejects a stale price", func(t *testing.T) {
		f := newFixture(t)
		req := startRequest(9000)
		req.Items[1].ProductPrice = 4000

		_, err := f.orchestrator(catalog).StartPayment(context.Background(), 1, req, "")
		assert.ErrorIs(t, err, models.ErrInvalidOrderRequest)
		assert.Equal(t, 0, f.gateway.IntentCalls)
	})
}

func TestStartPayment_GatewayDown(t *testing.T) {
	f := newFixture(t)
	f.gateway.IntentErr = &gateway.Error{Op: "pre_register", StatusCode: 503, Outcome: gateway.OutcomeUnknown}

	_, err := f.orchestrator(nil).StartPayment(context.Background(), 1, startRequest(8000), "")

	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
	assert.Empty(t, f.publisher.EventTypes())
}

func TestValidate_Paid(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPending)

	order, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, "PaymentMethodCard", order.PaymentMethod)
	assert.NotNil(t, order.ApprovedAt)
	assert.Equal(t, models.OrderStatusPaid, f.store.Order(seeded.ID).Status)
	assert.Equal(t, []string{models.EventPaymentPaid}, f.publisher.EventTypes())
}

func TestValidate_AmountMismatchLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedOrder(t, 9000, models.OrderStatusPending)
	f.gateway.AddPayment(seeded.PaymentID, 9500, "KRW")

	_, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)

	assert.ErrorIs(t, err, models.ErrPaymentAmountMismatch)
	assert.Equal(t, models.OrderStatusPending, f.store.Order(seeded.ID).Status)
	assert.Equal(t, []string{models.EventPaymentAmountMismatch}, f.publisher.EventTypes())
}

func TestValidate_CurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedOrder(t, 9000, models.OrderStatusPending)
	f.gateway.AddPayment(seeded.PaymentID, 9000, "USD")

	_, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)

	assert.ErrorIs(t, err, models.ErrPaymentAmountMismatch)
	assert.Equal(t, models.OrderStatusPending, f.store.Order(seeded.ID).Status)
}

func TestValidate_Idempotent(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPending)
	o := f.orchestrator(nil)

	_, err := o.Validate(context.Background(), seeded.PaymentID)
	require.NoError(t, err)
	order, err := o.Validate(context.Background(), seeded.PaymentID)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, 1, f.gateway.ConfirmCalls)
	assert.Equal(t, []string{models.EventPaymentPaid}, f.publisher.EventTypes())
}

func TestValidate_ConcurrentCallsTransitionOnce(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPending)
	o := f.orchestrator(nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := o.Validate(context.Background(), seeded.PaymentID)
			if err == nil && order.Status != models.OrderStatusPaid {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{models.EventPaymentPaid}, f.publisher.EventTypes())
}

func TestValidate_GatewayOutcomes(t *testing.T) {
	t.Run("failed at gateway", func(t *testing.T) {
		f := newFixture(t)
		seeded := f.seedOrder(t, 10000, models.OrderStatusPending)
		f.gateway.SetStatus(seeded.PaymentID, gateway.StatusFailed)

		_, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)

		assert.ErrorIs(t, err, models.ErrPaymentFailed)
		assert.Equal(t, models.OrderStatusFailed, f.store.Order(seeded.ID).Status)
		assert.Equal(t, []string{models.EventPaymentFailed}, f.publisher.EventTypes())
	})

	t.Run("not completed", func(t *testing.T) {
		f := newFixture(t)
		seeded := f.seedOrder(t, 10000, models.OrderStatusPending)
		f.gateway.SetStatus(seeded.PaymentID, gateway.StatusReady)

		_, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)

		assert.ErrorIs(t, err, models.ErrPaymentNotCompleted)
		assert.Equal(t, models.OrderStatusPending, f.store.Order(seeded.ID).Status)
	})

	t.Run("unknown outcome queues review", func(t *testing.T) {
		f := newFixture(t)
		seeded := f.seedOrder(t, 10000, models.OrderStatusPending)
		f.gateway.ConfirmErr = &gateway.Error{Op: "get_payment", StatusCode: 503, Outcome: gateway.OutcomeUnknown}

		_, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)

		assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
		assert.Equal(t, models.OrderStatusPending, f.store.Order(seeded.ID).Status)
		reviews := f.publisher.Reviews()
		require.Len(t, reviews, 1)
		assert.Equal(t, models.ReviewValidationUnknown, reviews[0].Reason)
		assert.Equal(t, seeded.PaymentID, reviews[0].PaymentID)
	})

	t.Run("unknown payment", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orchestrator(nil).Validate(context.Background(), "payment-missing")
		assert.ErrorIs(t, err, models.ErrOrderNotFound)
	})

	t.Run("failed order stays failed", func(t *testing.T) {
		f := newFixture(t)
		seeded := f.seedOrder(t, 10000, models.OrderStatusFailed)

		_, err := f.orchestrator(nil).Validate(context.Background(), seeded.PaymentID)

		assert.ErrorIs(t, err, models.ErrPaymentFailed)
		assert.Equal(t, 0, f.gateway.ConfirmCalls)
	})
}
