package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step names as routed to the executor (and reported in metrics).
const (
	stepReceiveOrder    = "receive_order"
	stepValidateOrder   = "validate_order"
	stepChargePayment   = "charge_payment"
	stepPreparePackage  = "prepare_package"
	stepDispatchCarrier = "dispatch_carrier"
)

var phaseRank = map[Phase]int{
	PhaseInitialized:      0,
	PhaseReceivingOrder:   1,
	PhaseValidatingOrder:  2,
	PhaseManualReview:     3,
	PhaseChargingPayment:  4,
	PhaseStartingShipping: 5,
	PhaseCompleted:        6,
}

// resumePhase picks the phase to re-drive from given the last committed
// checkpoint. A last-completed-step marker wins over the phase itself: the
// phase is written before a step runs, so a crash mid-step resumes on the
// same phase while a crash after the step's checkpoint skips ahead.
func resumePhase(cp Checkpoint) Phase {
	switch cp.Step {
	case StepOrderReceived:
		return PhaseValidatingOrder
	case StepOrderValidated:
		return PhaseManualReview
	case StepManualReview:
		return PhaseChargingPayment
	case StepPaymentCharged, StepShippingStarted:
		return PhaseStartingShipping
	}
	if cp.Phase == "" || cp.Phase == PhaseInitialized {
		return PhaseReceivingOrder
	}
	return cp.Phase
}

// OrderSaga sequences the five order steps, launches the shipping child saga
// and applies signals at checkpoints. The saga body is single-threaded; all
// mutation between the run loop and signal/query delivery goes through the
// mutex-guarded committed state.
type OrderSaga struct {
	id        string
	orderID   string
	paymentID string

	acts        Activities
	exec        *Executor
	shipExec    *Executor
	store       CheckpointStore
	mailbox     *Mailbox
	reviewDelay time.Duration
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
	logf        func(format string, args ...any)
	onChange    func(Transition)

	resume Phase

	mu        sync.Mutex
	phase     Phase
	step      string
	cancelled bool
	address   Address
	order     OrderData
	payment   *ChargeResult
}

// NewOrderSaga constructs a machine from its last durable checkpoint. For a
// fresh saga pass a zero checkpoint carrying only ids.
func NewOrderSaga(cp Checkpoint, acts Activities, exec, shipExec *Executor, store CheckpointStore, opts MachineOptions) *OrderSaga {
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	phase := cp.Phase
	if phase == "" {
		phase = PhaseInitialized
	}
	return &OrderSaga{
		id:          cp.ID,
		orderID:     cp.OrderID,
		paymentID:   cp.PaymentID,
		acts:        acts,
		exec:        exec,
		shipExec:    shipExec,
		store:       store,
		mailbox:     NewMailbox(),
		reviewDelay: opts.ReviewDelay,
		sleep:       opts.Sleep,
		now:         opts.Now,
		logf:        opts.Logf,
		onChange:    opts.OnTransition,
		resume:      resumePhase(cp),
		phase:       phase,
		step:        cp.Step,
		cancelled:   cp.Cancelled,
		address:     cp.Address,
		order:       cp.Order,
		payment:     cp.Payment,
	}
}

// MachineOptions carries the tunables and hooks shared by saga machines.
type MachineOptions struct {
	ReviewDelay  time.Duration
	Sleep        func(context.Context, time.Duration) error
	Now          func() time.Time
	Logf         func(format string, args ...any)
	OnTransition func(Transition)
}

// Signal posts a signal for the next checkpoint.
func (m *OrderSaga) Signal(sig Signal) {
	m.mailbox.Post(sig)
}

// Snapshot returns the latest committed view. Safe to call concurrently with
// the run loop and signal delivery.
func (m *OrderSaga) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		SagaID:    m.id,
		OrderID:   m.orderID,
		Phase:     m.phase,
		Cancelled: m.cancelled,
		Address:   m.address,
		Order:     m.order,
		LastStep:  m.step,
	}
}

// Run drives the saga to a terminal result. Steps already covered by the
// resume point are skipped; their outputs come from the checkpoint.
func (m *OrderSaga) Run(ctx context.Context) Result {
	start := m.now()
	m.logf("saga %s: starting (resume from %s)", m.id, m.resume)

	// Step 1: receive order.
	if m.shouldRun(PhaseReceivingOrder) {
		m.transition(ctx, PhaseReceivingOrder)
		var data OrderData
		err := m.exec.Execute(ctx, stepReceiveOrder, func(ctx context.Context) error {
			d, err := m.acts.ReceiveOrder(ctx, m.orderID)
			if err != nil {
				return err
			}
			data = d
			return nil
		})
		if err != nil {
			return m.fail(ctx, err)
		}
		m.mu.Lock()
		m.order = data
		m.mu.Unlock()
		if res, halted := m.checkpoint(ctx, StepOrderReceived); halted {
			return res
		}
	}

	// Step 2: validate order.
	if m.shouldRun(PhaseValidatingOrder) {
		m.transition(ctx, PhaseValidatingOrder)
		var valid bool
		err := m.exec.Execute(ctx, stepValidateOrder, func(ctx context.Context) error {
			v, err := m.acts.ValidateOrder(ctx, m.snapshotOrder())
			if err != nil {
				return err
			}
			valid = v
			return nil
		})
		if err != nil {
			return m.fail(ctx, err)
		}
		if !valid {
			return m.fail(ctx, ErrValidationFailed)
		}
		if res, halted := m.checkpoint(ctx, StepOrderValidated); halted {
			return res
		}
	}

	// Step 3: manual review window. Pure delay; the checkpoint after it
	// guarantees an address update delivered during the window is observed
	// before any later step reads the address.
	if m.shouldRun(PhaseManualReview) {
		m.transition(ctx, PhaseManualReview)
		if err := m.sleep(ctx, m.reviewDelay); err != nil {
			return m.fail(ctx, err)
		}
		if res, halted := m.checkpoint(ctx, StepManualReview); halted {
			return res
		}
	}

	// Step 4: charge payment.
	if m.shouldRun(PhaseChargingPayment) {
		m.transition(ctx, PhaseChargingPayment)
		var charge ChargeResult
		err := m.exec.Execute(ctx, stepChargePayment, func(ctx context.Context) error {
			c, err := m.acts.ChargePayment(ctx, m.snapshotOrder(), m.paymentID)
			if err != nil {
				return err
			}
			charge = c
			return nil
		})
		if err != nil {
			return m.fail(ctx, err)
		}
		if charge.Status != "charged" {
			return m.fail(ctx, fmt.Errorf("%w: status %q", ErrPaymentFailed, charge.Status))
		}
		m.mu.Lock()
		m.payment = &charge
		m.mu.Unlock()
		if res, halted := m.checkpoint(ctx, StepPaymentCharged); halted {
			return res
		}
	}

	// Step 5: shipping child saga on its own task queue. The parent awaits
	// the child's terminal result; child failure propagates, no compensation.
	m.transition(ctx, PhaseStartingShipping)
	if m.cancelRequested() {
		return m.finishCancelled(ctx, StepShippingStarted)
	}

	child := NewShippingSaga(m.id, m.snapshotOrder(), m.snapshotAddress(), m.acts, m.shipExec, m.logf)
	type shippingOutcome struct {
		result ShippingResult
		err    error
	}
	childDone := make(chan shippingOutcome, 1)
	go func() {
		res, err := child.Run(ctx)
		childDone <- shippingOutcome{result: res, err: err}
	}()
	out := <-childDone
	if out.err != nil {
		return m.fail(ctx, out.err)
	}

	m.transition(ctx, PhaseCompleted)
	res := Result{
		Status:      "completed",
		OrderID:     m.orderID,
		Payment:     m.snapshotPayment(),
		Shipping:    &out.result,
		ElapsedSecs: m.now().Sub(start).Seconds(),
	}
	m.persistResult(ctx, res)
	m.logf("saga %s: completed in %.3fs", m.id, res.ElapsedSecs)
	return res
}

func (m *OrderSaga) shouldRun(p Phase) bool {
	return phaseRank[p] >= phaseRank[m.resume]
}

func (m *OrderSaga) snapshotOrder() OrderData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order
}

func (m *OrderSaga) snapshotAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

func (m *OrderSaga) snapshotPayment() *ChargeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payment == nil {
		return nil
	}
	c := *m.payment
	return &c
}

func (m *OrderSaga) cancelRequested() bool {
	m.applySignals()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// applySignals drains the mailbox and folds signals into committed state.
// Cancellation is sticky; address updates are last-writer-wins.
func (m *OrderSaga) applySignals() {
	sigs := m.mailbox.Drain()
	if len(sigs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sig := range sigs {
		switch sig.Kind {
		case SignalCancel:
			m.cancelled = true
		case SignalUpdateAddress:
			m.address = sig.Address
		}
	}
}

// transition records a new phase durably before any work runs under it.
func (m *OrderSaga) transition(ctx context.Context, p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.persist(ctx)
}

// checkpoint commits a completed step: record the marker, observe signals,
// persist, then honor a pending cancellation. The step that just finished is
// never aborted; cancellation only prevents further steps.
func (m *OrderSaga) checkpoint(ctx context.Context, step string) (Result, bool) {
	m.mu.Lock()
	m.step = step
	m.mu.Unlock()
	m.applySignals()
	m.persist(ctx)
	m.mu.Lock()
	cancelled := m.cancelled
	m.mu.Unlock()
	if cancelled {
		return m.finishCancelled(ctx, step), true
	}
	return Result{}, false
}

func (m *OrderSaga) finishCancelled(ctx context.Context, step string) Result {
	m.mu.Lock()
	m.phase = PhaseCancelled
	m.mu.Unlock()
	res := Result{Status: "cancelled", OrderID: m.orderID, Step: step}
	m.persistResult(ctx, res)
	m.logf("saga %s: cancelled after %s", m.id, step)
	return res
}

func (m *OrderSaga) fail(ctx context.Context, err error) Result {
	m.mu.Lock()
	m.phase = PhaseFailed
	step := m.step
	m.mu.Unlock()
	res := Result{Status: "failed", OrderID: m.orderID, Step: step, Error: err.Error()}
	m.persistResult(ctx, res)
	m.logf("saga %s: failed: %v", m.id, err)
	return res
}

func (m *OrderSaga) persist(ctx context.Context) {
	m.persistCheckpoint(ctx, nil)
}

func (m *OrderSaga) persistResult(ctx context.Context, res Result) {
	m.persistCheckpoint(ctx, &res)
}

// persistCheckpoint writes the committed state. Persistence errors are logged
// rather than failing the saga: the in-memory state stays authoritative for
// the live execution and the next checkpoint retries the write.
func (m *OrderSaga) persistCheckpoint(ctx context.Context, res *Result) {
	m.mu.Lock()
	cp := Checkpoint{
		ID:        m.id,
		OrderID:   m.orderID,
		PaymentID: m.paymentID,
		Phase:     m.phase,
		Step:      m.step,
		Cancelled: m.cancelled,
		Address:   m.address,
		Order:     m.order,
		Payment:   m.payment,
		Result:    res,
		UpdatedAt: m.now(),
	}
	m.mu.Unlock()

	saveCtx := ctx
	if saveCtx == nil || saveCtx.Err() != nil {
		// Terminal checkpoints still land when the caller's context is gone.
		saveCtx = context.Background()
	}
	if err := m.store.Save(saveCtx, cp); err != nil {
		m.logf("saga %s: checkpoint save failed at %s: %v", m.id, cp.Phase, err)
	}
	if m.onChange != nil {
		m.onChange(Transition{
			SagaID:  cp.ID,
			OrderID: cp.OrderID,
			Phase:   cp.Phase,
			Step:    cp.Step,
			At:      cp.UpdatedAt,
		})
	}
}
