package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/saga"
)

// CheckpointStore persists saga checkpoints in Postgres. Saves are upserts
// keyed by saga id so the table always holds the latest committed transition
// per execution.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore constructs a store backed by Postgres.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// NewCheckpointStoreWithSchema initializes the schema then returns the store.
func NewCheckpointStoreWithSchema(ctx context.Context, db *sql.DB) (*CheckpointStore, error) {
	store := NewCheckpointStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the checkpoint table if it does not exist.
func (s *CheckpointStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_executions (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			payment_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			step TEXT NOT NULL,
			cancelled BOOLEAN NOT NULL,
			address_json TEXT NOT NULL,
			order_json TEXT NOT NULL,
			payment_json TEXT,
			result_json TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Save upserts the checkpoint keyed by its saga id.
func (s *CheckpointStore) Save(ctx context.Context, cp saga.Checkpoint) error {
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id required")
	}

	addressJSON, err := json.Marshal(cp.Address)
	if err != nil {
		return err
	}
	orderJSON, err := json.Marshal(cp.Order)
	if err != nil {
		return err
	}
	var paymentJSON any
	if cp.Payment != nil {
		data, err := json.Marshal(cp.Payment)
		if err != nil {
			return err
		}
		paymentJSON = string(data)
	}
	var resultJSON any
	if cp.Result != nil {
		data, err := json.Marshal(cp.Result)
		if err != nil {
			return err
		}
		resultJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_executions
			(id, order_id, payment_id, phase, step, cancelled, address_json, order_json, payment_json, result_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			step = EXCLUDED.step,
			cancelled = EXCLUDED.cancelled,
			address_json = EXCLUDED.address_json,
			order_json = EXCLUDED.order_json,
			payment_json = EXCLUDED.payment_json,
			result_json = EXCLUDED.result_json,
			updated_at = NOW()`,
		cp.ID, cp.OrderID, cp.PaymentID, string(cp.Phase), cp.Step, cp.Cancelled,
		string(addressJSON), string(orderJSON), paymentJSON, resultJSON,
	)
	return err
}

// Load fetches the checkpoint for the given saga id.
func (s *CheckpointStore) Load(ctx context.Context, id string) (saga.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, payment_id, phase, step, cancelled, address_json, order_json, payment_json, result_json, updated_at
		FROM saga_executions
		WHERE id = $1`,
		id,
	)

	var (
		cp          saga.Checkpoint
		phase       string
		addressJSON string
		orderJSON   string
		paymentJSON sql.NullString
		resultJSON  sql.NullString
	)
	err := row.Scan(&cp.ID, &cp.OrderID, &cp.PaymentID, &phase, &cp.Step, &cp.Cancelled,
		&addressJSON, &orderJSON, &paymentJSON, &resultJSON, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Checkpoint{}, false, nil
	}
	if err != nil {
		return saga.Checkpoint{}, false, err
	}

	cp.Phase = saga.Phase(phase)
	if err := json.Unmarshal([]byte(addressJSON), &cp.Address); err != nil {
		return saga.Checkpoint{}, false, fmt.Errorf("decode address: %w", err)
	}
	if err := json.Unmarshal([]byte(orderJSON), &cp.Order); err != nil {
		return saga.Checkpoint{}, false, fmt.Errorf("decode order: %w", err)
	}
	if paymentJSON.Valid && paymentJSON.String != "" {
		cp.Payment = &saga.ChargeResult{}
		if err := json.Unmarshal([]byte(paymentJSON.String), cp.Payment); err != nil {
			return saga.Checkpoint{}, false, fmt.Errorf("decode payment: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		cp.Result = &saga.Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), cp.Result); err != nil {
			return saga.Checkpoint{}, false, fmt.Errorf("decode result: %w", err)
		}
	}

	return cp, true, nil
}
