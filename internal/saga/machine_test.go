package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeActivities records invocations and lets tests script failures.
type fakeActivities struct {
	mu        sync.Mutex
	callOrder []string

	receiveErr     error
	validateResult bool
	validateErr    error
	chargeErrs     []error
	chargeStatus   string
	prepareErr     error
	dispatchErr    error

	dispatchedAddress Address
	onValidate        func()
	onReview          func()
}

func newFakeActivities() *fakeActivities {
	return &fakeActivities{validateResult: true, chargeStatus: "charged"}
}

func (f *fakeActivities) record(name string) {
	f.mu.Lock()
	f.callOrder = append(f.callOrder, name)
	f.mu.Unlock()
}

func (f *fakeActivities) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.callOrder {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeActivities) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.callOrder))
	copy(out, f.callOrder)
	return out
}

func (f *fakeActivities) ReceiveOrder(ctx context.Context, orderID string) (OrderData, error) {
	f.record("receive")
	if f.receiveErr != nil {
		return OrderData{}, f.receiveErr
	}
	return OrderData{OrderID: orderID, Items: []Item{{SKU: "ABC", Qty: 1}}}, nil
}

func (f *fakeActivities) ValidateOrder(ctx context.Context, order OrderData) (bool, error) {
	f.record("validate")
	if f.onValidate != nil {
		f.onValidate()
	}
	if f.validateErr != nil {
		return false, f.validateErr
	}
	return f.validateResult, nil
}

func (f *fakeActivities) ChargePayment(ctx context.Context, order OrderData, paymentID string) (ChargeResult, error) {
	f.record("charge")
	f.mu.Lock()
	var err error
	if len(f.chargeErrs) > 0 {
		err = f.chargeErrs[0]
		f.chargeErrs = f.chargeErrs[1:]
	}
	status := f.chargeStatus
	f.mu.Unlock()
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Status: status, Amount: 1}, nil
}

func (f *fakeActivities) PreparePackage(ctx context.Context, order OrderData) (string, error) {
	f.record("prepare")
	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	return "Package ready", nil
}

func (f *fakeActivities) DispatchCarrier(ctx context.Context, order OrderData, address Address) (string, error) {
	f.record("dispatch")
	f.mu.Lock()
	f.dispatchedAddress = address
	f.mu.Unlock()
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	return "Dispatched", nil
}

type machineEnv struct {
	acts  *fakeActivities
	store *MemoryCheckpointStore
	exec  *Executor
	ship  *Executor
}

func newMachineEnv(t *testing.T, policy StepPolicy) *machineEnv {
	t.Helper()
	if policy.Timeout == 0 {
		policy.Timeout = time.Second
	}
	if policy.Sleep == nil {
		policy.Sleep = func(context.Context, time.Duration) error { return nil }
	}

	orderPool := NewPool(QueueOrder, 2)
	shipPool := NewPool(QueueShipping, 2)
	t.Cleanup(orderPool.Close)
	t.Cleanup(shipPool.Close)

	return &machineEnv{
		acts:  newFakeActivities(),
		store: NewMemoryCheckpointStore(),
		exec:  NewExecutor(orderPool, policy, nil, t.Logf),
		ship:  NewExecutor(shipPool, policy, nil, t.Logf),
	}
}

func (e *machineEnv) newSaga(cp Checkpoint, opts MachineOptions) *OrderSaga {
	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	return NewOrderSaga(cp, e.acts, e.exec, e.ship, e.store, opts)
}

func freshCheckpoint(orderID string) Checkpoint {
	return Checkpoint{
		ID:        SagaID(orderID),
		OrderID:   orderID,
		PaymentID: "payment-test",
		Phase:     PhaseInitialized,
	}
}

func TestOrderSaga_CompletesHappyPath(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	saga := env.newSaga(freshCheckpoint("order-1"), MachineOptions{Logf: t.Logf})

	res := saga.Run(context.Background())

	if res.Status != "completed" {
		t.Fatalf("expected completed, got %+v", res)
	}
	if res.Payment == nil || res.Payment.Status != "charged" {
		t.Fatalf("expected payment result, got %+v", res.Payment)
	}
	if res.Shipping == nil || res.Shipping.Status != string(ShippingShipped) {
		t.Fatalf("expected shipping result, got %+v", res.Shipping)
	}

	want := []string{"receive", "validate", "charge", "prepare", "dispatch"}
	got := env.acts.order()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected strict step order %v, got %v", want, got)
		}
	}

	cp, found, err := env.store.Load(context.Background(), SagaID("order-1"))
	if err != nil || !found {
		t.Fatalf("expected terminal checkpoint, found=%v err=%v", found, err)
	}
	if cp.Phase != PhaseCompleted || cp.Result == nil {
		t.Fatalf("unexpected terminal checkpoint: %+v", cp)
	}
}

func TestOrderSaga_RetriesTransientChargeFailure(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{MaxAttempts: 5})
	env.acts.chargeErrs = []error{errors.New("gateway down"), errors.New("gateway down")}
	saga := env.newSaga(freshCheckpoint("order-2"), MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "completed" {
		t.Fatalf("expected completed after retries, got %+v", res)
	}
	if calls := env.acts.calls("charge"); calls != 3 {
		t.Fatalf("expected 3 charge attempts, got %d", calls)
	}
}

func TestOrderSaga_ValidationFalsyFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{MaxAttempts: 5})
	env.acts.validateResult = false
	saga := env.newSaga(freshCheckpoint("order-3"), MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "failed" {
		t.Fatalf("expected failed, got %+v", res)
	}
	if !strings.Contains(res.Error, ErrValidationFailed.Error()) {
		t.Fatalf("expected validation failure in %q", res.Error)
	}
	if calls := env.acts.calls("validate"); calls != 1 {
		t.Fatalf("expected 1 validation attempt, got %d", calls)
	}
	if calls := env.acts.calls("charge"); calls != 0 {
		t.Fatalf("expected no charge after failed validation, got %d", calls)
	}

	cp, _, _ := env.store.Load(context.Background(), SagaID("order-3"))
	if cp.Phase != PhaseFailed {
		t.Fatalf("expected failed checkpoint, got %s", cp.Phase)
	}
}

func TestOrderSaga_DomainValidationErrorNotRetried(t *testing.T) {
	t.Parallel()

	noItems := errors.New("no items to validate")
	env := newMachineEnv(t, StepPolicy{
		MaxAttempts: 5,
		ShouldRetry: func(err error) bool { return !errors.Is(err, noItems) },
	})
	env.acts.validateErr = noItems
	saga := env.newSaga(freshCheckpoint("order-4"), MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "failed" {
		t.Fatalf("expected failed, got %+v", res)
	}
	if calls := env.acts.calls("validate"); calls != 1 {
		t.Fatalf("expected single attempt for permanent error, got %d", calls)
	}
}

func TestOrderSaga_PaymentNotChargedFails(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	env.acts.chargeStatus = "declined"
	saga := env.newSaga(freshCheckpoint("order-5"), MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "failed" {
		t.Fatalf("expected failed, got %+v", res)
	}
	if !strings.Contains(res.Error, ErrPaymentFailed.Error()) {
		t.Fatalf("expected payment failure in %q", res.Error)
	}
	if calls := env.acts.calls("prepare"); calls != 0 {
		t.Fatalf("expected no shipping after failed charge, got %d", calls)
	}
}

func TestOrderSaga_CancelObservedAtNextCheckpoint(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	saga := env.newSaga(freshCheckpoint("order-6"), MachineOptions{})
	env.acts.onValidate = func() { saga.Signal(Signal{Kind: SignalCancel}) }

	res := saga.Run(context.Background())

	if res.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if res.Step != StepOrderValidated {
		t.Fatalf("expected last completed step order_validated, got %q", res.Step)
	}
	if calls := env.acts.calls("charge"); calls != 0 {
		t.Fatalf("validation step finished but charge must not start, got %d calls", calls)
	}

	cp, _, _ := env.store.Load(context.Background(), SagaID("order-6"))
	if cp.Phase != PhaseCancelled || !cp.Cancelled {
		t.Fatalf("unexpected cancel checkpoint: %+v", cp)
	}
}

func TestOrderSaga_CancelNeverAbortsFinishedStep(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	saga := env.newSaga(freshCheckpoint("order-7"), MachineOptions{})
	// Posted mid-validate: the validate step still completes.
	env.acts.onValidate = func() { saga.Signal(Signal{Kind: SignalCancel}) }

	_ = saga.Run(context.Background())

	if calls := env.acts.calls("validate"); calls != 1 {
		t.Fatalf("expected validate to run to completion, got %d calls", calls)
	}
}

func TestOrderSaga_AddressLastWriterWins(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	var saga *OrderSaga
	opts := MachineOptions{
		ReviewDelay: time.Minute,
		Sleep: func(ctx context.Context, d time.Duration) error {
			// Two updates land during the review window; only the second
			// survives.
			saga.Signal(Signal{Kind: SignalUpdateAddress, Address: Address{Street: "1 First St", City: "Springfield"}})
			saga.Signal(Signal{Kind: SignalUpdateAddress, Address: Address{Street: "9 Elm St", City: "Shelbyville"}})
			return nil
		},
	}
	saga = env.newSaga(freshCheckpoint("order-8"), opts)

	res := saga.Run(context.Background())

	if res.Status != "completed" {
		t.Fatalf("expected completed, got %+v", res)
	}
	env.acts.mu.Lock()
	addr := env.acts.dispatchedAddress
	env.acts.mu.Unlock()
	if addr.Street != "9 Elm St" || addr.City != "Shelbyville" {
		t.Fatalf("expected last address to win, got %+v", addr)
	}

	cp, _, _ := env.store.Load(context.Background(), SagaID("order-8"))
	if cp.Address.Street != "9 Elm St" {
		t.Fatalf("expected committed address in checkpoint, got %+v", cp.Address)
	}
}

func TestOrderSaga_ResumeSkipsCompletedSteps(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	cp := freshCheckpoint("order-9")
	cp.Phase = PhaseValidatingOrder
	cp.Step = StepOrderValidated
	cp.Order = OrderData{OrderID: "order-9", Items: []Item{{SKU: "ABC", Qty: 2}}}
	saga := env.newSaga(cp, MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "completed" {
		t.Fatalf("expected completed, got %+v", res)
	}
	if calls := env.acts.calls("receive"); calls != 0 {
		t.Fatalf("receive already checkpointed, got %d calls", calls)
	}
	if calls := env.acts.calls("validate"); calls != 0 {
		t.Fatalf("validate already checkpointed, got %d calls", calls)
	}
	if calls := env.acts.calls("charge"); calls != 1 {
		t.Fatalf("expected charge to run on resume, got %d calls", calls)
	}
	if calls := env.acts.calls("dispatch"); calls != 1 {
		t.Fatalf("expected dispatch to run on resume, got %d calls", calls)
	}
}

func TestOrderSaga_ResumeMidStepRerunsStep(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	// Phase was persisted before the charge ran; no payment_charged marker.
	cp := freshCheckpoint("order-10")
	cp.Phase = PhaseChargingPayment
	cp.Step = StepManualReview
	cp.Order = OrderData{OrderID: "order-10", Items: []Item{{SKU: "ABC", Qty: 1}}}
	saga := env.newSaga(cp, MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "completed" {
		t.Fatalf("expected completed, got %+v", res)
	}
	if calls := env.acts.calls("charge"); calls != 1 {
		t.Fatalf("expected interrupted charge to re-run once, got %d calls", calls)
	}
}

func TestOrderSaga_ResumeAfterChargeRunsOnlyShipping(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	cp := freshCheckpoint("order-11")
	cp.Phase = PhaseChargingPayment
	cp.Step = StepPaymentCharged
	cp.Order = OrderData{OrderID: "order-11", Items: []Item{{SKU: "ABC", Qty: 1}}}
	cp.Payment = &ChargeResult{Status: "charged", Amount: 1}
	saga := env.newSaga(cp, MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "completed" {
		t.Fatalf("expected completed, got %+v", res)
	}
	if calls := env.acts.calls("charge"); calls != 0 {
		t.Fatalf("charge already checkpointed, got %d calls", calls)
	}
	if res.Payment == nil || res.Payment.Status != "charged" {
		t.Fatalf("expected payment carried from checkpoint, got %+v", res.Payment)
	}
	want := []string{"prepare", "dispatch"}
	got := env.acts.order()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected only shipping steps, got %v", got)
	}
}

func TestOrderSaga_ShippingFailurePropagates(t *testing.T) {
	t.Parallel()

	noStock := errors.New("out of stock")
	env := newMachineEnv(t, StepPolicy{
		MaxAttempts: 1,
		ShouldRetry: func(err error) bool { return !errors.Is(err, noStock) },
	})
	env.acts.prepareErr = noStock
	saga := env.newSaga(freshCheckpoint("order-12"), MachineOptions{})

	res := saga.Run(context.Background())

	if res.Status != "failed" {
		t.Fatalf("expected failed, got %+v", res)
	}
	if !strings.Contains(res.Error, ErrShippingFailed.Error()) {
		t.Fatalf("expected shipping failure in %q", res.Error)
	}
	if !strings.Contains(res.Error, noStock.Error()) {
		t.Fatalf("expected cause preserved in %q", res.Error)
	}
}

func TestResumePhase(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cp   Checkpoint
		want Phase
	}{
		{"fresh", Checkpoint{}, PhaseReceivingOrder},
		{"initialized", Checkpoint{Phase: PhaseInitialized}, PhaseReceivingOrder},
		{"mid step", Checkpoint{Phase: PhaseValidatingOrder}, PhaseValidatingOrder},
		{"after receive", Checkpoint{Phase: PhaseReceivingOrder, Step: StepOrderReceived}, PhaseValidatingOrder},
		{"after validate", Checkpoint{Phase: PhaseValidatingOrder, Step: StepOrderValidated}, PhaseManualReview},
		{"after review", Checkpoint{Phase: PhaseManualReview, Step: StepManualReview}, PhaseChargingPayment},
		{"after charge", Checkpoint{Phase: PhaseChargingPayment, Step: StepPaymentCharged}, PhaseStartingShipping},
		{"mid shipping", Checkpoint{Phase: PhaseStartingShipping, Step: StepShippingStarted}, PhaseStartingShipping},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resumePhase(tc.cp); got != tc.want {
				t.Fatalf("resumePhase(%+v) = %s, want %s", tc.cp, got, tc.want)
			}
		})
	}
}

func TestShippingSaga_RunsOnShippingQueue(t *testing.T) {
	t.Parallel()

	env := newMachineEnv(t, StepPolicy{})
	child := NewShippingSaga("order-saga-x", OrderData{OrderID: "order-x"}, Address{City: "Springfield"}, env.acts, env.ship, t.Logf)

	res, err := child.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != string(ShippingShipped) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.PackageStatus != "Package ready" || res.DispatchStatus != "Dispatched" {
		t.Fatalf("unexpected statuses: %+v", res)
	}
	if child.Phase() != ShippingShipped {
		t.Fatalf("unexpected terminal phase: %s", child.Phase())
	}
}

func TestShippingSaga_WrapsFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("carrier offline")
	env := newMachineEnv(t, StepPolicy{
		MaxAttempts: 1,
		ShouldRetry: func(error) bool { return false },
	})
	env.acts.dispatchErr = boom
	child := NewShippingSaga("order-saga-y", OrderData{OrderID: "order-y"}, Address{}, env.acts, env.ship, nil)

	_, err := child.Run(context.Background())
	if !errors.Is(err, ErrShippingFailed) {
		t.Fatalf("expected ErrShippingFailed, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause preserved, got %v", err)
	}
	if child.Phase() != ShippingFailed {
		t.Fatalf("unexpected phase: %s", child.Phase())
	}
}
