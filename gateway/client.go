package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"order-svc/circuitbreaker"
	"order-svc/config"
	"order-svc/middleware"
	"order-svc/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Payment statuses reported by the gateway.
const (
	StatusReady                = "READY"
	StatusPending              = "PENDING"
	StatusVirtualAccountIssued = "VIRTUAL_ACCOUNT_ISSUED"
	StatusPaid                 = "PAID"
	StatusPartialCancelled     = "PARTIAL_CANCELLED"
	StatusCancelled            = "CANCELLED"
	StatusFailed               = "FAILED"
)

const (
	cancellationSucceeded = "SUCCEEDED"
	cancellationRequested = "REQUESTED"
	cancellationFailed    = "FAILED"
)

type Client struct {
	baseURL        string
	apiSecret      string
	storeID        string
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
	newPaymentID   func() string
}

func NewClient(cfg config.GatewayConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		apiSecret: cfg.APISecret,
		storeID:   cfg.StoreID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second,
			circuitbreaker.WithFailureFilter(func(err error) bool {
				return OutcomeOf(err) == OutcomeUnknown
			}),
		),
		logger: logger,
		newPaymentID: func() string {
			return "payment-" + uuid.NewString()
		},
	}
}

type Intent struct {
	Amount     int64
	Currency   string
	OrderName  string
	CustomerID string
}

// StartIntent assigns a new payment id and pre-registers the expected amount
// with the gateway, so the payer cannot complete a payment for a different
// total.
func (c *Client) StartIntent(ctx context.Context, in Intent) (string, error) {
	paymentID := c.newPaymentID()

	body := map[string]any{
		"totalAmount": in.Amount,
		"currency":    in.Currency,
	}
	if c.storeID != "" {
		body["storeId"] = c.storeID
	}

	path := fmt.Sprintf("/payments/%s/pre-register", url.PathEscape(paymentID))
	if err := c.do(ctx, "pre_register", http.MethodPost, path, "", body, nil); err != nil {
		return "", err
	}
	return paymentID, nil
}

type PaymentAmount struct {
	Total     int64 `json:"total"`
	Paid      int64 `json:"paid"`
	Cancelled int64 `json:"cancelled"`
}

type PaymentMethod struct {
	Type string `json:"type"`
}

type PaymentCancellation struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	TotalAmount int64     `json:"totalAmount"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

type Payment struct {
	ID            string                `json:"id"`
	Status        string                `json:"status"`
	Currency      string                `json:"currency"`
	Amount        PaymentAmount         `json:"amount"`
	Method        *PaymentMethod        `json:"method,omitempty"`
	PaidAt        *time.Time            `json:"paidAt,omitempty"`
	Cancellations []PaymentCancellation `json:"cancellations,omitempty"`
}

// Cancellation finds a succeeded cancellation by id.
func (p *Payment) Cancellation(id string) (PaymentCancellation, bool) {
	for _, c := range p.Cancellations {
		if c.ID == id && c.Status == cancellationSucceeded {
			return c, true
		}
	}
	return PaymentCancellation{}, false
}

// SucceededCancellations returns only cancellations that moved money.
func (p *Payment) SucceededCancellations() []PaymentCancellation {
	var out []PaymentCancellation
	for _, c := range p.Cancellations {
		if c.Status == cancellationSucceeded {
			out = append(out, c)
		}
	}
	return out
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	path := "/payments/" + url.PathEscape(paymentID)
	if err := c.do(ctx, "get_payment", http.MethodGet, path, "", nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

type Confirmation struct {
	PaymentID  string
	Amount     int64
	Currency   string
	Method     string
	ApprovedAt time.Time
}

// Confirm asks the gateway for the authoritative state of a payment. It
// returns models.ErrPaymentNotCompleted while the payer has not finished and
// models.ErrPaymentFailed when the gateway reports the payment as failed or
// cancelled before capture.
func (c *Client) Confirm(ctx context.Context, paymentID string) (*Confirmation, error) {
	payment, err := c.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case StatusPaid, StatusPartialCancelled:
	case StatusFailed, StatusCancelled:
		return nil, fmt.Errorf("%w: gateway status %s", models.ErrPaymentFailed, payment.Status)
	default:
		return nil, fmt.Errorf("%w: gateway status %s", models.ErrPaymentNotCompleted, payment.Status)
	}

	conf := &Confirmation{
		PaymentID: payment.ID,
		Amount:    payment.Amount.Total,
		Currency:  payment.Currency,
	}
	if payment.Method != nil {
		conf.Method = payment.Method.Type
	}
	if payment.PaidAt != nil {
		conf.ApprovedAt = *payment.PaidAt
	} else {
		conf.ApprovedAt = time.Now()
	}
	return conf, nil
}

type CancelRequest struct {
	PaymentID                string
	Amount                   int64
	Reason                   string
	CurrentCancellableAmount int64
	IdempotencyKey           string
}

type CancelResult struct {
	CancellationID  string
	ConfirmedAmount int64
	CancelledAt     time.Time
}

type cancelResponse struct {
	Cancellation PaymentCancellation `json:"cancellation"`
}

// Cancel requests a (partial) cancellation. The idempotency key makes a retry
// of the same refund map onto the first cancellation at the gateway.
func (c *Client) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	body := map[string]any{
		"amount":                   req.Amount,
		"reason":                   req.Reason,
		"currentCancellableAmount": req.CurrentCancellableAmount,
	}
	if c.storeID != "" {
		body["storeId"] = c.storeID
	}

	var resp cancelResponse
	path := fmt.Sprintf("/payments/%s/cancel", url.PathEscape(req.PaymentID))
	if err := c.do(ctx, "cancel", http.MethodPost, path, req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}

	switch resp.Cancellation.Status {
	case cancellationSucceeded:
	case cancellationFailed:
		return nil, &Error{Op: "cancel", StatusCode: http.StatusOK, Code: "CANCELLATION_FAILED", Outcome: OutcomeRejected}
	case cancellationRequested:
		// Accepted but not settled. The final state arrives by webhook.
		return nil, &Error{Op: "cancel", StatusCode: http.StatusOK, Code: "CANCELLATION_REQUESTED", Outcome: OutcomeUnknown}
	default:
		return nil, &Error{Op: "cancel", StatusCode: http.StatusOK, Code: "UNKNOWN_CANCELLATION_STATUS",
			Message: resp.Cancellation.Status, Outcome: OutcomeUnknown}
	}

	cancelledAt := resp.Cancellation.CancelledAt
	if cancelledAt.IsZero() {
		cancelledAt = time.Now()
	}
	return &CancelResult{
		CancellationID:  resp.Cancellation.ID,
		ConfirmedAmount: resp.Cancellation.TotalAmount,
		CancelledAt:     cancelledAt,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	ctx, span := otel.Tracer("order-service").Start(ctx, "gateway."+op)
	defer span.End()
	span.SetAttributes(attribute.String("gateway.op", op))

	err := c.circuitBreaker.Execute(ctx, func() error {
		return c.roundTrip(ctx, op, method, path, idempotencyKey, in, out)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = &Error{Op: op, Code: "CIRCUIT_OPEN", Outcome: OutcomeRejected, Err: err}
	}

	outcome := "ok"
	if err != nil {
		outcome = string(OutcomeOf(err))
		span.RecordError(err)
		c.logger.Warn("Gateway request failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	middleware.RecordGatewayRequest(op, outcome)
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "PortOne "+c.apiSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%q", idempotencyKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Code: "TRANSPORT", Outcome: OutcomeUnknown, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Code: "TRANSPORT", Outcome: OutcomeUnknown, Err: err}
	}

	if resp.StatusCode >= 300 {
		return newStatusError(op, resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			// The call went through; only our view of its result is lost.
			return &Error{Op: op, StatusCode: resp.StatusCode, Code: "DECODE", Outcome: OutcomeUnknown, Err: err}
		}
	}
	return nil
}
