// Package paymenttest provides in-memory implementations of the payment
// package's dependencies for tests.
package paymenttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-svc/models"
	"order-svc/payment"
)

// MemStore is an in-memory payment.Store. Transactions are serialized, which
// is at least as strict as per-order row locks, and are rolled back when the
// callback fails.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	orders   map[int64]*models.Order
	refunds  map[int64]*models.Refund
	webhooks map[string]*models.WebhookEvent

	nextOrderID  int64
	nextItemID   int64
	nextRefundID int64

	Now func() time.Time
}

var _ payment.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		orders:   make(map[int64]*models.Order),
		refunds:  make(map[int64]*models.Refund),
		webhooks: make(map[string]*models.WebhookEvent),
		Now:      time.Now,
	}
}

type snapshot struct {
	orders   map[int64]*models.Order
	refunds  map[int64]*models.Refund
	webhooks map[string]*models.WebhookEvent
	ids      [3]int64
}

func (s *MemStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		orders:   make(map[int64]*models.Order, len(s.orders)),
		refunds:  make(map[int64]*models.Refund, len(s.refunds)),
		webhooks: make(map[string]*models.WebhookEvent, len(s.webhooks)),
		ids:      [3]int64{s.nextOrderID, s.nextItemID, s.nextRefundID},
	}
	for id, o := range s.orders {
		c := cloneOrder(o)
		snap.orders[id] = c
	}
	for id, r := range s.refunds {
		c := *r
		snap.refunds[id] = &c
	}
	for id, w := range s.webhooks {
		c := *w
		snap.webhooks[id] = &c
	}
	return snap
}

func (s *MemStore) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = snap.orders
	s.refunds = snap.refunds
	s.webhooks = snap.webhooks
	s.nextOrderID, s.nextItemID, s.nextRefundID = snap.ids[0], snap.ids[1], snap.ids[2]
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx payment.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return ctx.Err()
}

// SeedOrder stores an order as is, assigning ids where missing.
func (s *MemStore) SeedOrder(order *models.Order) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertOrderLocked(order)
	return s.loadLocked(order.ID)
}

// Order returns a copy of the stored order with items and refunds.
func (s *MemStore) Order(id int64) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *MemStore) WebhookEvent(id string) (*models.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.webhooks[id]
	if !ok {
		return nil, false
	}
	c := *ev
	return &c, true
}

func (s *MemStore) insertOrderLocked(order *models.Order) {
	if order.ID == 0 {
		s.nextOrderID++
		order.ID = s.nextOrderID
	} else if order.ID > s.nextOrderID {
		s.nextOrderID = order.ID
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.Now()
	}
	order.UpdatedAt = order.CreatedAt
	if order.OrderNumber == "" {
		order.OrderNumber = models.OrderNumberFor(order.ID, order.CreatedAt)
	}
	for i := range order.Items {
		if order.Items[i].ID == 0 {
			s.nextItemID++
			order.Items[i].ID = s.nextItemID
		}
		order.Items[i].OrderID = order.ID
	}
	if order.Delivery != nil {
		order.Delivery.OrderID = order.ID
	}
	for i := range order.Refunds {
		r := order.Refunds[i]
		if r.ID == 0 {
			s.nextRefundID++
			r.ID = s.nextRefundID
		}
		r.OrderID = order.ID
		s.refunds[r.ID] = &r
	}

	stored := cloneOrder(order)
	stored.Refunds = nil
	s.orders[order.ID] = stored
}

func (s *MemStore) loadLocked(id int64) *models.Order {
	stored, ok := s.orders[id]
	if !ok {
		return nil
	}
	order := cloneOrder(stored)
	order.Refunds = nil
	for _, r := range s.refunds {
		if r.OrderID == id {
			order.Refunds = append(order.Refunds, *r)
		}
	}
	sort.Slice(order.Refunds, func(i, j int) bool { return order.Refunds[i].ID < order.Refunds[j].ID })
	return order
}

func (s *MemStore) findByPaymentIDLocked(paymentID string) *models.Order {
	for id, o := range s.orders {
		if o.PaymentID == paymentID {
			return s.loadLocked(id)
		}
	}
	return nil
}

func (s *MemStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentID == order.PaymentID {
			return models.ErrDuplicateRequest
		}
		if order.IdempotencyKey != "" && o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
			return models.ErrDuplicateRequest
		}
	}
	s.insertOrderLocked(order)
	return nil
}

func (s *MemStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order := s.loadLocked(orderID); order != nil {
		return order, nil
	}
	return nil, models.ErrOrderNotFound
}

func (s *MemStore) GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order := s.findByPaymentIDLocked(paymentID); order != nil {
		return order, nil
	}
	return nil, models.ErrOrderNotFound
}

func (s *MemStore) FindOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return s.loadLocked(id), nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (s *MemStore) ListOrders(ctx context.Context, userID int64, since time.Time, page, size int) ([]models.OrderSummary, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Order
	for _, o := range s.orders {
		if o.UserID == userID && !o.CreatedAt.Before(since) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	var out []models.OrderSummary
	for i := page * size; i < len(matched) && i < (page+1)*size; i++ {
		o := matched[i]
		summary := models.OrderSummary{
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			PaymentID:   o.PaymentID,
			TotalPrice:  o.TotalPrice,
			Status:      o.Status,
			ItemCount:   len(o.Items),
			CreatedAt:   o.CreatedAt,
		}
		if len(o.Items) > 0 {
			summary.FirstItem = o.Items[0].ProductName
		}
		out = append(out, summary)
	}
	return out, int64(len(matched)), nil
}

func (s *MemStore) FindRefundByIdempotencyKey(ctx context.Context, orderID int64, key string) (*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.OrderID == orderID && r.IdempotencyKey == key {
			c := *r
			return &c, nil
		}
	}
	return nil, models.ErrRefundNotFound
}

func (s *MemStore) WebhookProcessed(ctx context.Context, webhookID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.webhooks[webhookID]
	return ok && ev.Outcome != models.WebhookOutcomeProcessing, nil
}

type memTx struct {
	store *MemStore
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return t.store.GetOrder(ctx, orderID)
}

func (t *memTx) LockOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return t.store.GetOrderByPaymentID(ctx, paymentID)
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[order.ID]
	if !ok {
		return models.ErrOrderNotFound
	}
	stored.Status = order.Status
	stored.PaymentMethod = order.PaymentMethod
	stored.ApprovedAt = order.ApprovedAt
	stored.UpdatedAt = s.Now()
	return nil
}

func (t *memTx) InsertRefund(ctx context.Context, refund *models.Refund) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if refund.CancellationID != "" && r.CancellationID == refund.CancellationID {
			return models.ErrCancellationExists
		}
		if refund.IdempotencyKey != "" && r.OrderID == refund.OrderID && r.IdempotencyKey == refund.IdempotencyKey {
			return models.ErrDuplicateRequest
		}
	}
	s.nextRefundID++
	refund.ID = s.nextRefundID
	c := *refund
	s.refunds[refund.ID] = &c
	return nil
}

func (t *memTx) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[refund.ID]; !ok {
		return models.ErrRefundNotFound
	}
	c := *refund
	s.refunds[refund.ID] = &c
	return nil
}

func (t *memTx) ClaimWebhook(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[event.WebhookID]; ok {
		return false, nil
	}
	c := *event
	s.webhooks[event.WebhookID] = &c
	return true, nil
}

func (t *memTx) SetWebhookOutcome(ctx context.Context, webhookID string, outcome models.WebhookOutcome) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.webhooks[webhookID]
	if !ok {
		return models.ErrDuplicateWebhook
	}
	now := s.Now()
	ev.Outcome = outcome
	ev.ProcessedAt = &now
	return nil
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	c.Refunds = append([]models.Refund(nil), o.Refunds...)
	if o.Delivery != nil {
		d := *o.Delivery
		c.Delivery = &d
	}
	return &c
}
