package webhook_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"order-svc/gateway"
	"order-svc/models"
	"order-svc/payment"
	"order-svc/payment/paymenttest"
	"order-svc/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type reconcilerFixture struct {
	store      *paymenttest.MemStore
	gateway    *paymenttest.FakeGateway
	publisher  *paymenttest.RecordingPublisher
	refunds    *payment.RefundWorkflow
	reconciler *webhook.Reconciler
	seq        int
}

func setupReconcilerTest(t *testing.T) *reconcilerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	store := paymenttest.NewMemStore()
	gw := paymenttest.NewFakeGateway()
	pub := &paymenttest.RecordingPublisher{}
	orchestrator := payment.NewOrchestrator(store, gw, nil, pub, "KRW", logger)
	return &reconcilerFixture{
		store:      store,
		gateway:    gw,
		publisher:  pub,
		refunds:    payment.NewRefundWorkflow(store, gw, pub, logger),
		reconciler: webhook.NewReconciler(store, gw, orchestrator, pub, logger),
	}
}

func (f *reconcilerFixture) seedOrder(t *testing.T, total int64, status models.OrderStatus) *models.Order {
	t.Helper()
	f.seq++
	paymentID := fmt.Sprintf("payment-wh-%d", f.seq)
	order, err := models.NewOrder(1, paymentID, models.OrderTypeOnline, "KRW",
		[]models.OrderItem{{ProductID: 1, ProductName: "Keyboard", UnitPrice: total, Quantity: 1}},
		models.OrderDelivery{ReceiverName: "Kim", ReceiverPhone: "010-1234-5678", Address: "Seoul"})
	require.NoError(t, err)
	order.Status = status
	f.gateway.AddPayment(paymentID, total, "KRW")
	return f.store.SeedOrder(order)
}

func payloadFor(t *testing.T, eventType models.WebhookEventType, data models.WebhookData) []byte {
	t.Helper()
	body, err := json.Marshal(models.WebhookPayload{
		Type:      eventType,
		Timestamp: "2025-01-15T10:00:00Z",
		Data:      data,
	})
	require.NoError(t, err)
	return body
}

func int64Ptr(v int64) *int64 { return &v }

func TestReconciler_RefundThenGatewayCancellation(t *testing.T) {
	f := setupReconcilerTest(t)
	ctx := context.Background()
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)

	_, err := f.refunds.Refund(ctx, 1, models.RefundRequest{
		PaymentID: seeded.PaymentID,
		OrderID:   seeded.ID,
		Reason:    "changed my mind",
		Amount:    int64Ptr(4000),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), f.store.Order(seeded.ID).CurrentCancellableAmount())

	// The remainder is cancelled from the gateway console; the amount is
	// only available from the gateway's cancellation record.
	gc := f.gateway.CancelAtGateway(seeded.PaymentID, 6000, "console")
	body := payloadFor(t, models.WebhookTransactionCancelled, models.WebhookData{
		PaymentID:      seeded.PaymentID,
		CancellationID: gc.ID,
	})

	outcome, err := f.reconciler.Handle(ctx, "wh-1", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, outcome)

	order := f.store.Order(seeded.ID)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.Equal(t, int64(0), order.CurrentCancellableAmount())
	require.Len(t, order.Refunds, 2)
	webhookRefund := order.RefundByCancellationID(gc.ID)
	require.NotNil(t, webhookRefund)
	assert.Equal(t, models.RefundSourceWebhook, webhookRefund.Source)
	assert.Equal(t, "console", webhookRefund.Reason)

	// Redelivery of the same webhook is acknowledged without effect.
	outcome, err = f.reconciler.Handle(ctx, "wh-1", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeDuplicate, outcome)
	assert.Len(t, f.store.Order(seeded.ID).Refunds, 2)

	_, err = f.refunds.Refund(ctx, 1, models.RefundRequest{
		PaymentID: seeded.PaymentID,
		OrderID:   seeded.ID,
		Reason:    "again",
		Amount:    int64Ptr(1),
	})
	assert.ErrorIs(t, err, models.ErrRefundAmountInvalid)
}

func TestReconciler_FullCancellationOfUntouchedOrder(t *testing.T) {
	f := setupReconcilerTest(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)

	body := payloadFor(t, models.WebhookTransactionCancelled, models.WebhookData{
		PaymentID:       seeded.PaymentID,
		CancellationID:  "cancel-console-1",
		CancelledAmount: int64Ptr(10000),
		Reason:          "out of stock",
	})
	outcome, err := f.reconciler.Handle(context.Background(), "wh-full", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, outcome)

	order := f.store.Order(seeded.ID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, int64(0), order.CurrentCancellableAmount())
	assert.Contains(t, f.publisher.EventTypes(), models.EventRefundSucceeded)

	event, ok := f.store.WebhookEvent("wh-full")
	require.True(t, ok)
	assert.Equal(t, models.WebhookOutcomeApplied, event.Outcome)
	assert.NotNil(t, event.ProcessedAt)
}

func TestReconciler_FullCancellationWithoutAmount(t *testing.T) {
	f := setupReconcilerTest(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)

	body := payloadFor(t, models.WebhookTransactionCancelled, models.WebhookData{PaymentID: seeded.PaymentID})
	outcome, err := f.reconciler.Handle(context.Background(), "wh-no-amount", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, outcome)

	order := f.store.Order(seeded.ID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	require.Len(t, order.Refunds, 1)
	assert.Equal(t, int64(10000), order.Refunds[0].Amount)
	assert.Equal(t, "webhook-wh-no-amount", order.Refunds[0].CancellationID)
}

func TestReconciler_ConcurrentDuplicateDeliveries(t *testing.T) {
	f := setupReconcilerTest(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)
	body := payloadFor(t, models.WebhookTransactionPartialCancelled, models.WebhookData{
		PaymentID:       seeded.PaymentID,
		CancellationID:  "cancel-dup",
		CancelledAmount: int64Ptr(3000),
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[models.WebhookOutcome]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.reconciler.Handle(context.Background(), "wh-dup", body)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[models.WebhookOutcomeApplied])
	assert.Equal(t, 7, outcomes[models.WebhookOutcomeDuplicate])

	order := f.store.Order(seeded.ID)
	assert.Len(t, order.Refunds, 1)
	assert.Equal(t, int64(7000), order.CurrentCancellableAmount())
	assert.Equal(t, models.OrderStatusPartiallyRefunded, order.Status)
}

func TestReconciler_SameCancellationDifferentWebhookIDs(t *testing.T) {
	f := setupReconcilerTest(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)
	body := payloadFor(t, models.WebhookTransactionPartialCancelled, models.WebhookData{
		PaymentID:       seeded.PaymentID,
		CancellationID:  "cancel-7",
		CancelledAmount: int64Ptr(2500),
	})

	outcome, err := f.reconciler.Handle(context.Background(), "wh-a", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, outcome)

	outcome, err = f.reconciler.Handle(context.Background(), "wh-b", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeAlreadyApplied, outcome)
	assert.Equal(t, int64(7500), f.store.Order(seeded.ID).CurrentCancellableAmount())
}

func TestReconciler_Gaps(t *testing.T) {
	t.Run("unknown payment", func(t *testing.T) {
		f := setupReconcilerTest(t)
		body := payloadFor(t, models.WebhookTransactionPartialCancelled, models.WebhookData{
			PaymentID:       "payment-nobody-knows",
			CancellationID:  "cancel-x",
			CancelledAmount: int64Ptr(1000),
		})

		outcome, err := f.reconciler.Handle(context.Background(), "wh-gap", body)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookOutcomeGap, outcome)

		event, ok := f.store.WebhookEvent("wh-gap")
		require.True(t, ok)
		assert.Equal(t, models.WebhookOutcomeGap, event.Outcome)
		assert.Contains(t, f.publisher.EventTypes(), models.EventReconciliationGap)
		reviews := f.publisher.Reviews()
		require.Len(t, reviews, 1)
		assert.Equal(t, models.ReviewWebhookGap, reviews[0].Reason)
		assert.Equal(t, "payment-nobody-knows", reviews[0].PaymentID)
	})

	t.Run("exceeds balance", func(t *testing.T) {
		f := setupReconcilerTest(t)
		seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)
		body := payloadFor(t, models.WebhookTransactionPartialCancelled, models.WebhookData{
			PaymentID:       seeded.PaymentID,
			CancellationID:  "cancel-big",
			CancelledAmount: int64Ptr(12000),
		})

		outcome, err := f.reconciler.Handle(context.Background(), "wh-big", body)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookOutcomeGap, outcome)

		order := f.store.Order(seeded.ID)
		assert.Equal(t, models.OrderStatusPaid, order.Status)
		assert.Empty(t, order.Refunds)
		require.Len(t, f.publisher.Reviews(), 1)
		assert.Equal(t, seeded.ID, f.publisher.Reviews()[0].OrderID)
	})

	t.Run("paid webhook for unknown payment", func(t *testing.T) {
		f := setupReconcilerTest(t)
		body := payloadFor(t, models.WebhookTransactionPaid, models.WebhookData{PaymentID: "payment-ghost"})

		outcome, err := f.reconciler.Handle(context.Background(), "wh-ghost", body)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookOutcomeGap, outcome)
		assert.Len(t, f.publisher.Reviews(), 1)
	})
}

func TestReconciler_TransactionEvents(t *testing.T) {
	t.Run("paid confirms pending order", func(t *testing.T) {
		f := setupReconcilerTest(t)
		seeded := f.seedOrder(t, 8000, models.OrderStatusPending)
		body := payloadFor(t, models.WebhookTransactionPaid, models.WebhookData{PaymentID: seeded.PaymentID})

		outcome, err := f.reconciler.Handle(context.Background(), "wh-paid", body)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookOutcomeApplied, outcome)
		assert.Equal(t, models.OrderStatusPaid, f.store.Order(seeded.ID).Status)
		assert.Contains(t, f.publisher.EventTypes(), models.EventPaymentPaid)
	})

	t.Run("failed marks pending order failed", func(t *testing.T) {
		f := setupReconcilerTest(t)
		seeded := f.seedOrder(t, 8000, models.OrderStatusPending)
		f.gateway.SetStatus(seeded.PaymentID, gateway.StatusFailed)
		body := payloadFor(t, models.WebhookTransactionFailed, models.WebhookData{PaymentID: seeded.PaymentID})

		outcome, err := f.reconciler.Handle(context.Background(), "wh-failed", body)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookOutcomeApplied, outcome)
		assert.Equal(t, models.OrderStatusFailed, f.store.Order(seeded.ID).Status)
	})

	t.Run("gateway outage is not acknowledged", func(t *testing.T) {
		f := setupReconcilerTest(t)
		seeded := f.seedOrder(t, 8000, models.OrderStatusPending)
		f.gateway.ConfirmErr = &gateway.Error{Op: "confirm", StatusCode: 503, Outcome: gateway.OutcomeUnknown}
		body := payloadFor(t, models.WebhookTransactionPaid, models.WebhookData{PaymentID: seeded.PaymentID})

		_, err := f.reconciler.Handle(context.Background(), "wh-outage", body)
		assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
		_, ok := f.store.WebhookEvent("wh-outage")
		assert.False(t, ok)
		assert.Equal(t, models.OrderStatusPending, f.store.Order(seeded.ID).Status)
	})
}

func TestReconciler_UnsettledCancellationIsRetried(t *testing.T) {
	f := setupReconcilerTest(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)
	body := payloadFor(t, models.WebhookTransactionPartialCancelled, models.WebhookData{
		PaymentID:      seeded.PaymentID,
		CancellationID: "cancel-not-there-yet",
	})

	_, err := f.reconciler.Handle(context.Background(), "wh-early", body)
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
	_, ok := f.store.WebhookEvent("wh-early")
	assert.False(t, ok)
	assert.Empty(t, f.store.Order(seeded.ID).Refunds)
}

func TestReconciler_UnhandledAndMalformed(t *testing.T) {
	f := setupReconcilerTest(t)
	seeded := f.seedOrder(t, 10000, models.OrderStatusPaid)

	body := payloadFor(t, "Transaction.VirtualAccountIssued", models.WebhookData{PaymentID: seeded.PaymentID})
	outcome, err := f.reconciler.Handle(context.Background(), "wh-va", body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeUnhandled, outcome)
	event, ok := f.store.WebhookEvent("wh-va")
	require.True(t, ok)
	assert.Equal(t, models.WebhookOutcomeUnhandled, event.Outcome)
	assert.Equal(t, models.OrderStatusPaid, f.store.Order(seeded.ID).Status)

	_, err = f.reconciler.Handle(context.Background(), "wh-junk", []byte("{not json"))
	assert.ErrorIs(t, err, models.ErrMalformedWebhook)
	_, ok = f.store.WebhookEvent("wh-junk")
	assert.False(t, ok)

	body = payloadFor(t, models.WebhookTransactionPartialCancelled, models.WebhookData{PaymentID: seeded.PaymentID})
	_, err = f.reconciler.Handle(context.Background(), "wh-no-amount", body)
	assert.ErrorIs(t, err, models.ErrMalformedWebhook)
}
