package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-svc/models"
	"order-svc/payment"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL implementation of payment.Store.
type Store struct {
	db *sql.DB
}

var _ payment.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx payment.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateOrder inserts the order with its items and delivery, filling in the
// generated ids, order number and timestamps.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id, payment_id, total_price, currency, order_type, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		order.UserID, order.PaymentID, order.TotalPrice, order.Currency, order.OrderType, order.Status,
		nullString(order.IdempotencyKey),
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicateRequest
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	order.OrderNumber = models.OrderNumberFor(order.ID, order.CreatedAt)
	if _, err := tx.ExecContext(ctx, "UPDATE orders SET order_number = $1 WHERE id = $2", order.OrderNumber, order.ID); err != nil {
		return fmt.Errorf("failed to set order number: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, delivery_status)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.DeliveryStatus,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if d := order.Delivery; d != nil {
		d.OrderID = order.ID
		err := tx.QueryRowContext(ctx,
			`INSERT INTO order_deliveries (order_id, receiver_name, receiver_phone, zip_code, address, detail_address, delivery_place, request_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			d.OrderID, d.ReceiverName, d.ReceiverPhone, d.ZipCode, d.Address, d.DetailAddress, d.DeliveryPlace, d.RequestMessage,
		).Scan(&d.ID)
		if err != nil {
			return fmt.Errorf("failed to insert delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return loadOrder(ctx, s.db, "WHERE id = $1", orderID)
}

func (s *Store) GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return loadOrder(ctx, s.db, "WHERE payment_id = $1", paymentID)
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	return loadOrder(ctx, s.db, "WHERE user_id = $1 AND idempotency_key = $2", userID, key)
}

func (s *Store) ListOrders(ctx context.Context, userID int64, since time.Time, page, size int) ([]models.OrderSummary, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM orders WHERE user_id = $1 AND created_at >= $2",
		userID, since,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.order_number, o.payment_id, o.total_price, o.status, o.created_at,
			(SELECT COUNT(*) FROM order_items i WHERE i.order_id = o.id),
			COALESCE((SELECT i.product_name FROM order_items i WHERE i.order_id = o.id ORDER BY i.id LIMIT 1), '')
		FROM orders o
		WHERE o.user_id = $1 AND o.created_at >= $2
		ORDER BY o.created_at DESC
		LIMIT $3 OFFSET $4`,
		userID, since, size, page*size,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var summaries []models.OrderSummary
	for rows.Next() {
		var o models.OrderSummary
		if err := rows.Scan(&o.OrderID, &o.OrderNumber, &o.PaymentID, &o.TotalPrice, &o.Status, &o.CreatedAt,
			&o.ItemCount, &o.FirstItem); err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		summaries = append(summaries, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

func (s *Store) FindRefundByIdempotencyKey(ctx context.Context, orderID int64, key string) (*models.Refund, error) {
	refunds, err := queryRefunds(ctx, s.db, "WHERE order_id = $1 AND idempotency_key = $2", orderID, key)
	if err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		return nil, models.ErrRefundNotFound
	}
	return &refunds[0], nil
}

// WebhookProcessed reports whether a delivery with this id has been handled.
func (s *Store) WebhookProcessed(ctx context.Context, webhookID string) (bool, error) {
	var outcome string
	err := s.db.QueryRowContext(ctx,
		"SELECT outcome FROM webhook_events WHERE webhook_id = $1", webhookID,
	).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up webhook: %w", err)
	}
	return outcome != string(models.WebhookOutcomeProcessing), nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return loadOrder(ctx, t.tx, "WHERE id = $1 FOR UPDATE", orderID)
}

func (t *sqlTx) LockOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return loadOrder(ctx, t.tx, "WHERE payment_id = $1 FOR UPDATE", paymentID)
}

func (t *sqlTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, payment_method = $2, approved_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		order.Status, order.PaymentMethod, order.ApprovedAt, order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (t *sqlTx) InsertRefund(ctx context.Context, r *models.Refund) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO refunds (order_id, user_id, product_id, reason, amount, current_cancellable_amount, all_refund,
			status, source, cancellation_id, idempotency_key, failure_reason, needs_review, requested_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
		r.OrderID, r.UserID, r.ProductID, r.Reason, r.Amount, r.CurrentCancellableAmount, r.AllRefund,
		r.Status, r.Source, nullString(r.CancellationID), nullString(r.IdempotencyKey), r.FailureReason,
		r.NeedsReview, r.RequestedAt, r.CompletedAt,
	).Scan(&r.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "refunds_cancellation_id_key" {
				return models.ErrCancellationExists
			}
			return models.ErrDuplicateRequest
		}
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateRefund(ctx context.Context, r *models.Refund) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE refunds SET amount = $1, status = $2, cancellation_id = $3, failure_reason = $4,
			needs_review = $5, completed_at = $6
		WHERE id = $7`,
		r.Amount, r.Status, nullString(r.CancellationID), r.FailureReason, r.NeedsReview, r.CompletedAt, r.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrCancellationExists
		}
		return fmt.Errorf("failed to update refund: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrRefundNotFound
	}
	return nil
}

func (t *sqlTx) ClaimWebhook(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	var payload any
	if len(event.Payload) > 0 {
		payload = event.Payload
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO webhook_events (webhook_id, type, payment_id, outcome, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (webhook_id) DO NOTHING`,
		event.WebhookID, event.Type, event.PaymentID, event.Outcome, payload, event.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *sqlTx) SetWebhookOutcome(ctx context.Context, webhookID string, outcome models.WebhookOutcome) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE webhook_events SET outcome = $1, processed_at = CURRENT_TIMESTAMP WHERE webhook_id = $2",
		outcome, webhookID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook outcome: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, payment_id, order_number, total_price, currency, order_type, status,
	payment_method, approved_at, idempotency_key, created_at, updated_at`

// loadOrder reads one order row matching where, then its items, delivery
// and refunds through the same queryer.
func loadOrder(ctx context.Context, q queryer, where string, args ...any) (*models.Order, error) {
	var (
		o          models.Order
		approvedAt sql.NullTime
		idemKey    sql.NullString
	)
	err := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders "+where, args...).Scan(
		&o.ID, &o.UserID, &o.PaymentID, &o.OrderNumber, &o.TotalPrice, &o.Currency, &o.OrderType, &o.Status,
		&o.PaymentMethod, &approvedAt, &idemKey, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if approvedAt.Valid {
		o.ApprovedAt = &approvedAt.Time
	}
	o.IdempotencyKey = idemKey.String

	if o.Items, err = queryItems(ctx, q, o.ID); err != nil {
		return nil, err
	}
	if o.Delivery, err = queryDelivery(ctx, q, o.ID); err != nil {
		return nil, err
	}
	if o.Refunds, err = queryRefunds(ctx, q, "WHERE order_id = $1", o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func queryItems(ctx context.Context, q queryer, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, unit_price, quantity, delivery_status
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var i models.OrderItem
		if err := rows.Scan(&i.ID, &i.OrderID, &i.ProductID, &i.ProductName, &i.UnitPrice, &i.Quantity, &i.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func queryDelivery(ctx context.Context, q queryer, orderID int64) (*models.OrderDelivery, error) {
	var d models.OrderDelivery
	err := q.QueryRowContext(ctx,
		`SELECT id, order_id, receiver_name, receiver_phone, zip_code, address, detail_address, delivery_place, request_message
		FROM order_deliveries WHERE order_id = $1`, orderID,
	).Scan(&d.ID, &d.OrderID, &d.ReceiverName, &d.ReceiverPhone, &d.ZipCode, &d.Address, &d.DetailAddress,
		&d.DeliveryPlace, &d.RequestMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &d, nil
}

const refundColumns = `id, order_id, user_id, product_id, reason, amount, current_cancellable_amount, all_refund,
	status, source, cancellation_id, idempotency_key, failure_reason, needs_review, requested_at, completed_at`

func queryRefunds(ctx context.Context, q queryer, where string, args ...any) ([]models.Refund, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+refundColumns+" FROM refunds "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get refunds: %w", err)
	}
	defer rows.Close()

	var refunds []models.Refund
	for rows.Next() {
		var (
			r              models.Refund
			productID      sql.NullInt64
			cancellationID sql.NullString
			idemKey        sql.NullString
			completedAt    sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &r.UserID, &productID, &r.Reason, &r.Amount,
			&r.CurrentCancellableAmount, &r.AllRefund, &r.Status, &r.Source, &cancellationID, &idemKey,
			&r.FailureReason, &r.NeedsReview, &r.RequestedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		if productID.Valid {
			r.ProductID = &productID.Int64
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		r.CancellationID = cancellationID.String
		r.IdempotencyKey = idemKey.String
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
