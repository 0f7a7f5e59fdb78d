package paymenttest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"order-svc/gateway"
	"order-svc/models"
	"order-svc/payment"
)

// FakeGateway simulates the payment gateway in memory.
type FakeGateway struct {
	mu       sync.Mutex
	payments map[string]*gateway.Payment
	results  map[string]*gateway.CancelResult
	nextID   int

	IntentErr  error
	ConfirmErr error
	CancelErr  error
	// AfterCancel runs once a cancellation is recorded at the gateway and
	// before its result is returned to the caller.
	AfterCancel func(req gateway.CancelRequest, res gateway.CancelResult)

	IntentCalls  int
	ConfirmCalls int
	CancelCalls  int
}

var _ payment.Gateway = (*FakeGateway)(nil)

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		payments: make(map[string]*gateway.Payment),
		results:  make(map[string]*gateway.CancelResult),
	}
}

func (g *FakeGateway) StartIntent(ctx context.Context, in gateway.Intent) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.IntentCalls++
	if g.IntentErr != nil {
		return "", g.IntentErr
	}
	g.nextID++
	id := fmt.Sprintf("payment-%d", g.nextID)
	g.payments[id] = &gateway.Payment{
		ID:       id,
		Status:   gateway.StatusReady,
		Currency: in.Currency,
		Amount:   gateway.PaymentAmount{Total: in.Amount},
	}
	return id, nil
}

// AddPayment registers a payment that was paid in full.
func (g *FakeGateway) AddPayment(paymentID string, amount int64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	paidAt := time.Now()
	g.payments[paymentID] = &gateway.Payment{
		ID:       paymentID,
		Status:   gateway.StatusPaid,
		Currency: currency,
		Amount:   gateway.PaymentAmount{Total: amount, Paid: amount},
		Method:   &gateway.PaymentMethod{Type: "PaymentMethodCard"},
		PaidAt:   &paidAt,
	}
}

// SetStatus overrides the gateway status of a known payment.
func (g *FakeGateway) SetStatus(paymentID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[paymentID]; ok {
		p.Status = status
	}
}

// CancelAtGateway records a cancellation made outside this service, such as
// from the gateway console, and returns it.
func (g *FakeGateway) CancelAtGateway(paymentID string, amount int64, reason string) gateway.PaymentCancellation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelLocked(g.payments[paymentID], amount, reason)
}

func (g *FakeGateway) cancelLocked(p *gateway.Payment, amount int64, reason string) gateway.PaymentCancellation {
	g.nextID++
	c := gateway.PaymentCancellation{
		ID:          fmt.Sprintf("cancel-%d", g.nextID),
		Status:      "SUCCEEDED",
		TotalAmount: amount,
		Reason:      reason,
		CancelledAt: time.Now(),
	}
	p.Cancellations = append(p.Cancellations, c)
	p.Amount.Cancelled += amount
	if p.Amount.Cancelled == p.Amount.Total {
		p.Status = gateway.StatusCancelled
	} else {
		p.Status = gateway.StatusPartialCancelled
	}
	return c
}

func (g *FakeGateway) Confirm(ctx context.Context, paymentID string) (*gateway.Confirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ConfirmCalls++
	if g.ConfirmErr != nil {
		return nil, g.ConfirmErr
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, &gateway.Error{Op: "get_payment", StatusCode: http.StatusNotFound, Code: "PAYMENT_NOT_FOUND", Outcome: gateway.OutcomeRejected}
	}
	switch p.Status {
	case gateway.StatusPaid, gateway.StatusPartialCancelled:
	case gateway.StatusFailed, gateway.StatusCancelled:
		return nil, fmt.Errorf("%w: gateway status %s", models.ErrPaymentFailed, p.Status)
	default:
		return nil, fmt.Errorf("%w: gateway status %s", models.ErrPaymentNotCompleted, p.Status)
	}
	conf := &gateway.Confirmation{PaymentID: p.ID, Amount: p.Amount.Total, Currency: p.Currency, ApprovedAt: time.Now()}
	if p.Method != nil {
		conf.Method = p.Method.Type
	}
	if p.PaidAt != nil {
		conf.ApprovedAt = *p.PaidAt
	}
	return conf, nil
}

func (g *FakeGateway) GetPayment(ctx context.Context, paymentID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, &gateway.Error{Op: "get_payment", StatusCode: http.StatusNotFound, Code: "PAYMENT_NOT_FOUND", Outcome: gateway.OutcomeRejected}
	}
	c := *p
	c.Cancellations = append([]gateway.PaymentCancellation(nil), p.Cancellations...)
	return &c, nil
}

func (g *FakeGateway) Cancel(ctx context.Context, req gateway.CancelRequest) (*gateway.CancelResult, error) {
	g.mu.Lock()
	g.CancelCalls++
	if g.CancelErr != nil {
		err := g.CancelErr
		g.mu.Unlock()
		return nil, err
	}
	if res, ok := g.results[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		g.mu.Unlock()
		return res, nil
	}
	p, ok := g.payments[req.PaymentID]
	if !ok {
		g.mu.Unlock()
		return nil, &gateway.Error{Op: "cancel", StatusCode: http.StatusNotFound, Code: "PAYMENT_NOT_FOUND", Outcome: gateway.OutcomeRejected}
	}
	if req.Amount > p.Amount.Total-p.Amount.Cancelled {
		g.mu.Unlock()
		return nil, &gateway.Error{Op: "cancel", StatusCode: http.StatusConflict, Code: "CANCEL_AMOUNT_EXCEEDS_CANCELLABLE_AMOUNT", Outcome: gateway.OutcomeRejected}
	}
	c := g.cancelLocked(p, req.Amount, req.Reason)
	res := &gateway.CancelResult{CancellationID: c.ID, ConfirmedAmount: c.TotalAmount, CancelledAt: c.CancelledAt}
	if req.IdempotencyKey != "" {
		g.results[req.IdempotencyKey] = res
	}
	hook := g.AfterCancel
	g.mu.Unlock()

	if hook != nil {
		hook(req, *res)
	}
	return res, nil
}
