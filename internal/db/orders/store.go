package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/orders"
)

// PostgresStore persists orders, payments and step events in Postgres. All
// idempotent writes use a unique constraint plus insert-ignoring-conflict,
// re-fetching on conflict so concurrent attempts converge on the first
// committed outcome.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a store backed by Postgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			address_json TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload_json TEXT,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS events_order_type_idx ON events (order_id, type)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// CreateOrder inserts the order and its order_received event in one
// transaction, or reports the order already exists.
func (s *PostgresStore) CreateOrder(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" {
		return false, fmt.Errorf("order id required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, state)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		orderID, orders.StateReceived,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, orderID, orders.EventOrderReceived, map[string]any{"order_id": orderID}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkValidated moves the order to validated and records the event in one
// transaction. Reports already=true when a prior attempt committed first.
func (s *PostgresStore) MarkValidated(ctx context.Context, orderID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3`,
		orderID, orders.StateValidated, orders.StateReceived,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if affected == 0 {
		var state string
		row := tx.QueryRowContext(ctx, `SELECT state FROM orders WHERE id = $1`, orderID)
		if err := row.Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, orders.ErrOrderNotFound
			}
			return false, err
		}
		if state == orders.StateValidated || state == orders.StatePaid {
			return true, nil
		}
		return false, fmt.Errorf("order %s in unexpected state %q", orderID, state)
	}

	if err := insertEvent(ctx, tx, orderID, orders.EventOrderValidated, map[string]any{
		"order_id": orderID,
		"status":   orders.StateValidated,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return false, nil
}

// ChargePayment inserts the payment keyed by paymentID, moving the order to
// paid and recording the event in the same transaction. A conflicting insert
// re-fetches the original committed payment.
func (s *PostgresStore) ChargePayment(ctx context.Context, paymentID, orderID string, amount float64) (orders.PaymentRecord, bool, error) {
	if paymentID == "" {
		return orders.PaymentRecord{}, false, fmt.Errorf("payment id required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.PaymentRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, status, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_id) DO NOTHING`,
		paymentID, orderID, "charged", amount,
	)
	if err != nil {
		return orders.PaymentRecord{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.PaymentRecord{}, false, err
	}

	if affected == 0 {
		rec, err := s.fetchPayment(ctx, paymentID)
		if err != nil {
			return orders.PaymentRecord{}, false, err
		}
		return rec, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID, orders.StatePaid,
	); err != nil {
		return orders.PaymentRecord{}, false, err
	}
	if err := insertEvent(ctx, tx, orderID, orders.EventPaymentCharged, map[string]any{
		"payment_id": paymentID,
		"amount":     amount,
	}); err != nil {
		return orders.PaymentRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return orders.PaymentRecord{}, false, err
	}

	return orders.PaymentRecord{
		PaymentID: paymentID,
		OrderID:   orderID,
		Status:    "charged",
		Amount:    amount,
	}, true, nil
}

func (s *PostgresStore) fetchPayment(ctx context.Context, paymentID string) (orders.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_id, order_id, status, amount
		FROM payments
		WHERE payment_id = $1`,
		paymentID,
	)
	var rec orders.PaymentRecord
	if err := row.Scan(&rec.PaymentID, &rec.OrderID, &rec.Status, &rec.Amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.PaymentRecord{}, fmt.Errorf("payment not found after insert")
		}
		return orders.PaymentRecord{}, err
	}
	return rec, nil
}

// RecordStep inserts an event once per (order, type).
func (s *PostgresStore) RecordStep(ctx context.Context, orderID, eventType string, payload map[string]any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (order_id, type, payload_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id, type) DO NOTHING`,
		orderID, eventType, string(data),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// StepRecorded reports whether an event of the given type exists for the order.
func (s *PostgresStore) StepRecorded(ctx context.Context, orderID, eventType string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM events WHERE order_id = $1 AND type = $2`,
		orderID, eventType,
	)
	var one int
	switch err := row.Scan(&one); {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// ListEvents returns the order's events in insertion order (audit surface).
func (s *PostgresStore) ListEvents(ctx context.Context, orderID string) ([]orders.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, type, payload_json, ts
		FROM events
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.EventRecord
	for rows.Next() {
		var rec orders.EventRecord
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Type, &payload, &rec.At); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// insertEvent writes one event row inside the caller's transaction, ignoring
// a duplicate (order, type) pair.
func insertEvent(ctx context.Context, tx *sql.Tx, orderID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (order_id, type, payload_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id, type) DO NOTHING`,
		orderID, eventType, string(data),
	)
	return err
}
