package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"order-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
	)
	return db, nil
}

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		payment_id VARCHAR(255) NOT NULL,
		order_number VARCHAR(32) NOT NULL DEFAULT '',
		total_price BIGINT NOT NULL CHECK (total_price > 0),
		currency VARCHAR(8) NOT NULL,
		order_type VARCHAR(16) NOT NULL,
		status VARCHAR(32) NOT NULL,
		payment_method VARCHAR(64) NOT NULL DEFAULT '',
		approved_at TIMESTAMPTZ,
		idempotency_key VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT orders_payment_id_key UNIQUE (payment_id),
		CONSTRAINT orders_idempotency_key UNIQUE (user_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders (id),
		product_id BIGINT NOT NULL,
		product_name VARCHAR(255) NOT NULL,
		unit_price BIGINT NOT NULL CHECK (unit_price > 0),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		delivery_status VARCHAR(16) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items (order_id)`,
	`CREATE TABLE IF NOT EXISTS order_deliveries (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL UNIQUE REFERENCES orders (id),
		receiver_name VARCHAR(100) NOT NULL,
		receiver_phone VARCHAR(32) NOT NULL,
		zip_code VARCHAR(16) NOT NULL DEFAULT '',
		address VARCHAR(255) NOT NULL,
		detail_address VARCHAR(255) NOT NULL DEFAULT '',
		delivery_place VARCHAR(100) NOT NULL DEFAULT '',
		request_message VARCHAR(255) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders (id),
		user_id BIGINT NOT NULL,
		product_id BIGINT,
		reason TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL CHECK (amount > 0),
		current_cancellable_amount BIGINT NOT NULL,
		all_refund BOOLEAN NOT NULL DEFAULT FALSE,
		status VARCHAR(16) NOT NULL,
		source VARCHAR(16) NOT NULL,
		cancellation_id VARCHAR(255),
		idempotency_key VARCHAR(255),
		failure_reason TEXT NOT NULL DEFAULT '',
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		requested_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		CONSTRAINT refunds_cancellation_id_key UNIQUE (cancellation_id),
		CONSTRAINT refunds_idempotency_key UNIQUE (order_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refunds_order ON refunds (order_id)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		webhook_id VARCHAR(255) PRIMARY KEY,
		type VARCHAR(64) NOT NULL,
		payment_id VARCHAR(255) NOT NULL DEFAULT '',
		outcome VARCHAR(32) NOT NULL,
		payload JSONB,
		received_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
}

// Migrate creates the tables the service needs if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	logger.Info("Database schema is up to date", zap.Int("statements", len(schema)))
	return nil
}
