package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"order-svc/models"
	"order-svc/webhook"
)

func (f *handlerFixture) deliver(t *testing.T, id string, body []byte, sentAt time.Time, signature string) *httptest.ResponseRecorder {
	t.Helper()
	ts := strconv.FormatInt(sentAt.Unix(), 10)
	if signature == "" {
		signature = "v1," + f.verifier.Sign(id, ts, body)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/webhook-portone", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderID, id)
	req.Header.Set(webhook.HeaderTimestamp, ts)
	req.Header.Set(webhook.HeaderSignature, signature)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func cancellationBody(paymentID, cancellationID string, amount int64) []byte {
	return []byte(`{"type":"Transaction.PartialCancelled","timestamp":"2025-01-15T10:00:00Z","data":{"paymentId":"` +
		paymentID + `","cancellationId":"` + cancellationID + `","cancelledAmount":` + strconv.FormatInt(amount, 10) + `}}`)
}

func TestWebhook_AppliedOnce(t *testing.T) {
	f := setupHandlerTest(t)
	order := f.seedOrder(t, 1, 10000, models.OrderStatusPaid)
	body := cancellationBody(order.PaymentID, "cancel-1", 3000)

	w := f.deliver(t, "wh-1", body, time.Now(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]string](t, w)["outcome"]; got != string(models.WebhookOutcomeApplied) {
		t.Errorf("Expected outcome applied, got %s", got)
	}

	w = f.deliver(t, "wh-1", body, time.Now(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on redelivery, got %d", w.Code)
	}
	if got := decode[map[string]string](t, w)["outcome"]; got != string(models.WebhookOutcomeDuplicate) {
		t.Errorf("Expected outcome duplicate, got %s", got)
	}

	stored := f.store.Order(order.ID)
	if stored.Status != models.OrderStatusPartiallyRefunded || stored.CurrentCancellableAmount() != 7000 {
		t.Errorf("Expected PARTIALLY_REFUNDED with 7000 left, got %s with %d", stored.Status, stored.CurrentCancellableAmount())
	}
}

func TestWebhook_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		sentAt    time.Time
		signature string
		wantCode  string
	}{
		{name: "bad signature", sentAt: time.Now(), signature: "v1,Zm9yZ2Vk", wantCode: "INVALID_SIGNATURE"},
		{name: "stale timestamp", sentAt: time.Now().Add(-time.Hour), wantCode: "REPLAY_DETECTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandlerTest(t)
			order := f.seedOrder(t, 1, 10000, models.OrderStatusPaid)

			w := f.deliver(t, "wh-bad", cancellationBody(order.PaymentID, "cancel-1", 10000), tt.sentAt, tt.signature)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", w.Code)
			}
			if got := decode[errorResponse](t, w); got.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, got.Code)
			}

			stored := f.store.Order(order.ID)
			if stored.Status != models.OrderStatusPaid || len(stored.Refunds) != 0 {
				t.Errorf("Expected untouched order, got %s with %d refunds", stored.Status, len(stored.Refunds))
			}
			if _, ok := f.store.WebhookEvent("wh-bad"); ok {
				t.Error("Expected rejected webhook not to be recorded")
			}
		})
	}
}

func TestWebhook_MalformedAndRetryable(t *testing.T) {
	f := setupHandlerTest(t)

	w := f.deliver(t, "wh-junk", []byte(`{"type":`), time.Now(), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed payload, got %d", w.Code)
	}

	// The cancellation is not yet visible at the gateway; the gateway
	// must redeliver.
	order := f.seedOrder(t, 1, 10000, models.OrderStatusPaid)
	body := []byte(`{"type":"Transaction.PartialCancelled","data":{"paymentId":"` + order.PaymentID + `","cancellationId":"cancel-later"}}`)
	w = f.deliver(t, "wh-later", body, time.Now(), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
	if got := decode[errorResponse](t, w); !got.Retryable {
		t.Error("Expected retryable error")
	}
}
