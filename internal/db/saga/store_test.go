package sagadb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"orderflow/internal/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newCheckpointMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestCheckpointStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newCheckpointMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewCheckpointStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestCheckpointStore_Save(t *testing.T) {
	db, mock, cleanup := newCheckpointMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO saga_executions").
		WithArgs("order-saga-1", "order-1", "payment-1", string(saga.PhaseChargingPayment),
			saga.StepOrderValidated, false, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewCheckpointStore(db)
	err := store.Save(context.Background(), saga.Checkpoint{
		ID:        "order-saga-1",
		OrderID:   "order-1",
		PaymentID: "payment-1",
		Phase:     saga.PhaseChargingPayment,
		Step:      saga.StepOrderValidated,
		Order:     saga.OrderData{OrderID: "order-1"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestCheckpointStore_Save_MissingID(t *testing.T) {
	db, mock, cleanup := newCheckpointMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectClose()

	store := NewCheckpointStore(db)
	if err := store.Save(context.Background(), saga.Checkpoint{}); err == nil {
		t.Fatal("expected error for checkpoint without id")
	}
}

func TestCheckpointStore_Load(t *testing.T) {
	db, mock, cleanup := newCheckpointMockDB(t)
	t.Cleanup(cleanup)

	columns := []string{"id", "order_id", "payment_id", "phase", "step", "cancelled",
		"address_json", "order_json", "payment_json", "result_json", "updated_at"}
	mock.ExpectQuery("SELECT id, order_id, payment_id, phase, step, cancelled").
		WithArgs("order-saga-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"order-saga-1", "order-1", "payment-1", string(saga.PhaseCompleted),
			saga.StepShippingStarted, false,
			`{"street":"1 Main St","city":"Springfield"}`,
			`{"order_id":"order-1","items":[{"sku":"ABC","qty":1}]}`,
			`{"status":"charged","amount":1}`,
			`{"status":"completed","order_id":"order-1"}`,
			time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		))
	mock.ExpectClose()

	store := NewCheckpointStore(db)
	cp, ok, err := store.Load(context.Background(), "order-saga-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint")
	}
	if cp.Phase != saga.PhaseCompleted {
		t.Fatalf("unexpected phase: %s", cp.Phase)
	}
	if cp.Payment == nil || cp.Payment.Status != "charged" {
		t.Fatalf("unexpected payment: %+v", cp.Payment)
	}
	if cp.Result == nil || cp.Result.Status != "completed" {
		t.Fatalf("unexpected result: %+v", cp.Result)
	}
	if len(cp.Order.Items) != 1 || cp.Order.Items[0].SKU != "ABC" {
		t.Fatalf("unexpected order data: %+v", cp.Order)
	}
}

func TestCheckpointStore_Load_Missing(t *testing.T) {
	db, mock, cleanup := newCheckpointMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, order_id, payment_id, phase, step, cancelled").
		WithArgs("order-saga-ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectClose()

	store := NewCheckpointStore(db)
	_, ok, err := store.Load(context.Background(), "order-saga-ghost")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint")
	}
}
