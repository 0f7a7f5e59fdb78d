package payment_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"order-svc/models"
	"order-svc/payment"
	"order-svc/payment/paymenttest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	store     *paymenttest.MemStore
	gateway   *paymenttest.FakeGateway
	publisher *paymenttest.RecordingPublisher
	logger    *zap.Logger
	seq       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store:     paymenttest.NewMemStore(),
		gateway:   paymenttest.NewFakeGateway(),
		publisher: &paymenttest.RecordingPublisher{},
		logger:    zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)),
	}
}

func (f *fixture) orchestrator(catalog payment.Catalog) *payment.Orchestrator {
	return payment.NewOrchestrator(f.store, f.gateway, catalog, f.publisher, "KRW", f.logger)
}

func (f *fixture) refunds() *payment.RefundWorkflow {
	return payment.NewRefundWorkflow(f.store, f.gateway, f.publisher, f.logger)
}

func testDelivery() models.OrderDelivery {
	return models.OrderDelivery{
		ReceiverName:  "Kim",
		ReceiverPhone: "010-1234-5678",
		Address:       "Seoul",
	}
}

// seedOrder stores an order for user 1 with the given status, registering a
// matching fully paid payment at the gateway.
func (f *fixture) seedOrder(t *testing.T, total int64, status models.OrderStatus) *models.Order {
	t.Helper()
	items := []models.OrderItem{
		{ProductID: 1, ProductName: "Keyboard", UnitPrice: total, Quantity: 1},
	}
	f.seq++
	paymentID := fmt.Sprintf("payment-seed-%d", f.seq)
	order, err := models.NewOrder(1, paymentID, models.OrderTypeOnline, "KRW", items, testDelivery())
	require.NoError(t, err)
	order.Status = status
	order = f.store.SeedOrder(order)
	f.gateway.AddPayment(paymentID, total, "KRW")
	return order
}

// applyWebhookCancellation records a gateway cancellation the way the
// webhook path does.
func (f *fixture) applyWebhookCancellation(t *testing.T, c models.Cancellation) payment.ApplyResult {
	t.Helper()
	var res payment.ApplyResult
	err := f.store.InTx(context.Background(), func(tx payment.Tx) error {
		order, err := tx.LockOrderByPaymentID(context.Background(), c.PaymentID)
		if err != nil {
			return err
		}
		res, err = payment.ApplyCancellation(context.Background(), tx, order, c, models.RefundSourceWebhook, time.Now())
		return err
	})
	require.NoError(t, err)
	return res
}

func int64Ptr(v int64) *int64 { return &v }
