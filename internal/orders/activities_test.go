package orders

import (
	"context"
	"errors"
	"testing"

	"orderflow/internal/saga"
)

func testOrder(orderID string) saga.OrderData {
	return saga.OrderData{OrderID: orderID, Items: []saga.Item{{SKU: "ABC", Qty: 2}}}
}

func TestReceiveOrderIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := NewService(store, nil, t.Logf)
	ctx := context.Background()

	first, err := svc.ReceiveOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	second, err := svc.ReceiveOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if first.OrderID != second.OrderID || len(first.Items) != len(second.Items) {
		t.Fatalf("expected identical snapshots, got %+v vs %+v", first, second)
	}

	events := store.Events("order-1")
	if len(events) != 1 || events[0].Type != EventOrderReceived {
		t.Fatalf("expected exactly one order_received event, got %+v", events)
	}
}

func TestValidateOrderRejectsEmptyItems(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore(), nil, t.Logf)

	valid, err := svc.ValidateOrder(context.Background(), saga.OrderData{OrderID: "order-2"})
	if !errors.Is(err, ErrNoItems) {
		t.Fatalf("expected ErrNoItems, got %v", err)
	}
	if valid {
		t.Fatal("expected invalid")
	}
	if !IsPermanent(err) {
		t.Fatal("expected a permanent classification")
	}
}

func TestValidateOrderIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := NewService(store, nil, t.Logf)
	ctx := context.Background()

	if _, err := svc.ReceiveOrder(ctx, "order-3"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	for i := 0; i < 2; i++ {
		valid, err := svc.ValidateOrder(ctx, testOrder("order-3"))
		if err != nil || !valid {
			t.Fatalf("validate attempt %d: valid=%v err=%v", i+1, valid, err)
		}
	}

	events := store.Events("order-3")
	validated := 0
	for _, ev := range events {
		if ev.Type == EventOrderValidated {
			validated++
		}
	}
	if validated != 1 {
		t.Fatalf("expected one order_validated event, got %d in %+v", validated, events)
	}
	if state, _ := store.OrderState("order-3"); state != StateValidated {
		t.Fatalf("expected validated state, got %q", state)
	}
}

func TestValidateOrderUnknownOrder(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore(), nil, t.Logf)
	_, err := svc.ValidateOrder(context.Background(), testOrder("order-missing"))
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestChargePaymentChargesOncePerPaymentID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := NewService(store, nil, t.Logf)
	ctx := context.Background()

	if _, err := svc.ReceiveOrder(ctx, "order-4"); err != nil {
		t.Fatalf("receive: %v", err)
	}

	first, err := svc.ChargePayment(ctx, testOrder("order-4"), "pay-4")
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if first.Status != "charged" || first.Amount != 2 {
		t.Fatalf("unexpected charge: %+v", first)
	}

	// A retried attempt returns the committed outcome, never a second charge.
	second, err := svc.ChargePayment(ctx, testOrder("order-4"), "pay-4")
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if second != first {
		t.Fatalf("expected the original result, got %+v vs %+v", second, first)
	}

	events := store.Events("order-4")
	charged := 0
	for _, ev := range events {
		if ev.Type == EventPaymentCharged {
			charged++
		}
	}
	if charged != 1 {
		t.Fatalf("expected one payment_charged event, got %d", charged)
	}
	if state, _ := store.OrderState("order-4"); state != StatePaid {
		t.Fatalf("expected paid state, got %q", state)
	}
}

func TestChargePaymentAmountFloorsQuantity(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore(), nil, t.Logf)
	order := saga.OrderData{OrderID: "order-5", Items: []saga.Item{{SKU: "A", Qty: 0}, {SKU: "B", Qty: 3}}}

	res, err := svc.ChargePayment(context.Background(), order, "pay-5")
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Amount != 4 {
		t.Fatalf("expected amount 4, got %v", res.Amount)
	}
}

func TestPreparePackageRecordsOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := NewService(store, nil, t.Logf)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		status, err := svc.PreparePackage(ctx, testOrder("order-6"))
		if err != nil {
			t.Fatalf("prepare attempt %d: %v", i+1, err)
		}
		if status != "Package ready" {
			t.Fatalf("unexpected status %q", status)
		}
	}

	events := store.Events("order-6")
	if len(events) != 1 || events[0].Type != EventPackagePrepared {
		t.Fatalf("expected one package_prepared event, got %+v", events)
	}
}

func TestDispatchCarrierRecordsAddress(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := NewService(store, nil, t.Logf)
	ctx := context.Background()
	addr := saga.Address{Street: "9 Elm St", City: "Shelbyville", Country: "US"}

	status, err := svc.DispatchCarrier(ctx, testOrder("order-7"), addr)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != "Dispatched" {
		t.Fatalf("unexpected status %q", status)
	}

	// Repeat attempt must not overwrite the recorded address.
	if _, err := svc.DispatchCarrier(ctx, testOrder("order-7"), saga.Address{Street: "other"}); err != nil {
		t.Fatalf("repeat dispatch: %v", err)
	}

	events := store.Events("order-7")
	if len(events) != 1 || events[0].Type != EventCarrierDispatched {
		t.Fatalf("expected one carrier_dispatched event, got %+v", events)
	}
	if got := events[0].Payload["street"]; got != "9 Elm St" {
		t.Fatalf("expected dispatch address in payload, got %v", got)
	}
	if got := events[0].Payload["city"]; got != "Shelbyville" {
		t.Fatalf("expected dispatch city in payload, got %v", got)
	}
}

type failingInjector struct{ err error }

func (f failingInjector) Invoke(context.Context) error { return f.err }

func TestFaultInjectorRunsBeforeStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	boom := errors.New("injected")
	svc := NewService(store, failingInjector{err: boom}, t.Logf)
	ctx := context.Background()

	if _, err := svc.ReceiveOrder(ctx, "order-8"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, ok := store.OrderState("order-8"); ok {
		t.Fatal("store must not be touched when the injector fails")
	}
	if _, err := svc.ChargePayment(ctx, testOrder("order-8"), "pay-8"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, ok := store.Payment("pay-8"); ok {
		t.Fatal("no payment must be committed when the injector fails")
	}
}
