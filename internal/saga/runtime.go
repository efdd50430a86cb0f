package saga

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"orderflow/internal/sharding"
)

const sagaIDPrefix = "order-saga-"

// SagaID derives the globally unique execution id for an order.
func SagaID(orderID string) string {
	return sagaIDPrefix + orderID
}

// Config wires a Runtime.
type Config struct {
	Store      CheckpointStore
	Activities Activities

	// Per-queue step policies. Zero ShouldRetry hooks are filled with the
	// runtime's classifier (permanent errors are never retried).
	OrderPolicy    StepPolicy
	ShippingPolicy StepPolicy

	// IsPermanent classifies business errors that must not be retried.
	IsPermanent func(error) bool

	ReviewDelay     time.Duration
	OrderWorkers    int
	ShippingWorkers int
	RegistryShards  int

	Journal SignalJournal
	Metrics Metrics
	Sinks   []TransitionSink
	Logf    func(format string, args ...any)
	Now     func() time.Time
}

// Runtime owns all live saga executions: it dedupes starts per saga id,
// partitions step execution across task-queue worker pools, persists progress
// through the checkpoint store and routes signals and queries by order id.
type Runtime struct {
	cfg      Config
	orderEx  *Executor
	shipEx   *Executor
	pools    []*Pool
	shards   []*registryShard
	rootCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	logf     func(format string, args ...any)
	now      func() time.Time
}

type registryShard struct {
	mu   sync.Mutex
	live map[string]*instance
}

type instance struct {
	machine *OrderSaga
	done    chan struct{}
	result  Result
}

// NewRuntime constructs a runtime with pools for the order and shipping task
// queues.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.Activities == nil {
		return nil, errors.New("activities are required")
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OrderWorkers < 1 {
		cfg.OrderWorkers = 4
	}
	if cfg.ShippingWorkers < 1 {
		cfg.ShippingWorkers = 4
	}
	if cfg.RegistryShards < 1 {
		cfg.RegistryShards = 4
	}

	r := &Runtime{
		cfg:  cfg,
		logf: cfg.Logf,
		now:  cfg.Now,
	}
	r.rootCtx, r.cancel = context.WithCancel(context.Background())

	classifier := r.retryClassifier()
	orderPolicy := cfg.OrderPolicy
	if orderPolicy.ShouldRetry == nil {
		orderPolicy.ShouldRetry = classifier
	}
	shippingPolicy := cfg.ShippingPolicy
	if shippingPolicy.ShouldRetry == nil {
		shippingPolicy.ShouldRetry = classifier
	}

	orderPool := NewPool(QueueOrder, cfg.OrderWorkers)
	shippingPool := NewPool(QueueShipping, cfg.ShippingWorkers)
	r.pools = []*Pool{orderPool, shippingPool}
	r.orderEx = NewExecutor(orderPool, orderPolicy, cfg.Metrics, cfg.Logf)
	r.shipEx = NewExecutor(shippingPool, shippingPolicy, cfg.Metrics, cfg.Logf)

	r.shards = make([]*registryShard, cfg.RegistryShards)
	for i := range r.shards {
		r.shards[i] = &registryShard{live: make(map[string]*instance)}
	}
	return r, nil
}

func (r *Runtime) retryClassifier() func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if r.cfg.IsPermanent != nil && r.cfg.IsPermanent(err) {
			return false
		}
		return true
	}
}

func (r *Runtime) shard(id string) *registryShard {
	return r.shards[sharding.ShardIndex(id, len(r.shards))]
}

// Start launches (or resumes) the saga for an order. At most one live
// execution exists per saga id: if one is already running, or the saga
// already reached a terminal phase, Start returns its id without launching
// anything.
func (r *Runtime) Start(ctx context.Context, orderID, paymentID string) (string, error) {
	if orderID == "" {
		return "", errors.New("order id is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRuntimeClosed
	}
	r.mu.Unlock()

	id := SagaID(orderID)
	shard := r.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.live[id]; ok {
		return id, nil
	}

	cp, found, err := r.cfg.Store.Load(ctx, id)
	if err != nil {
		return "", err
	}
	switch {
	case found && cp.Phase.Terminal():
		return id, nil
	case found:
		r.logf("saga %s: resuming from phase %s (last step %q)", id, cp.Phase, cp.Step)
	default:
		cp = Checkpoint{
			ID:        id,
			OrderID:   orderID,
			PaymentID: paymentID,
			Phase:     PhaseInitialized,
			UpdatedAt: r.now(),
		}
		if err := r.cfg.Store.Save(ctx, cp); err != nil {
			return "", err
		}
	}

	machine := NewOrderSaga(cp, r.cfg.Activities, r.orderEx, r.shipEx, r.cfg.Store, MachineOptions{
		ReviewDelay:  r.cfg.ReviewDelay,
		Now:          r.now,
		Logf:         r.logf,
		OnTransition: r.fanout,
	})
	inst := &instance{machine: machine, done: make(chan struct{})}
	shard.live[id] = inst

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		inst.result = machine.Run(r.rootCtx)
		close(inst.done)
	}()
	return id, nil
}

func (r *Runtime) lookup(id string) *instance {
	shard := r.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.live[id]
}

// Signal journals then delivers a signal to the addressed saga. The signal
// takes effect at the saga's next checkpoint. Cancelling a finished saga is a
// no-op; any other signal to a finished saga is rejected.
func (r *Runtime) Signal(ctx context.Context, orderID string, sig Signal) error {
	id := SagaID(orderID)
	inst := r.lookup(id)
	if inst == nil {
		cp, found, err := r.cfg.Store.Load(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if cp.Phase.Terminal() {
			if sig.Kind == SignalCancel {
				return nil
			}
			return ErrFinished
		}
		return ErrNotRunning
	}

	if inst.machine.Snapshot().Phase.Terminal() {
		if sig.Kind == SignalCancel {
			return nil
		}
		return ErrFinished
	}

	if r.cfg.Journal != nil {
		rec := SignalRecord{
			SagaID:  id,
			OrderID: orderID,
			Kind:    sig.Kind,
			Address: sig.Address,
			At:      r.now(),
		}
		if err := r.cfg.Journal.Append(ctx, rec); err != nil {
			return err
		}
	}
	inst.machine.Signal(sig)
	return nil
}

// Query returns the committed snapshot for a saga, live or finished.
func (r *Runtime) Query(ctx context.Context, orderID string) (Snapshot, error) {
	id := SagaID(orderID)
	if inst := r.lookup(id); inst != nil {
		return inst.machine.Snapshot(), nil
	}
	cp, found, err := r.cfg.Store.Load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, ErrNotFound
	}
	return snapshotFromCheckpoint(cp), nil
}

// Result blocks until the saga reaches a terminal result or ctx ends.
func (r *Runtime) Result(ctx context.Context, orderID string) (Result, error) {
	id := SagaID(orderID)
	if inst := r.lookup(id); inst != nil {
		select {
		case <-inst.done:
			return inst.result, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	cp, found, err := r.cfg.Store.Load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, ErrNotFound
	}
	if cp.Result != nil {
		return *cp.Result, nil
	}
	if cp.Phase.Terminal() {
		return Result{Status: string(cp.Phase), OrderID: cp.OrderID, Step: cp.Step}, nil
	}
	return Result{}, ErrNotRunning
}

func (r *Runtime) fanout(t Transition) {
	for _, sink := range r.cfg.Sinks {
		sink.Transition(t)
	}
}

// Close stops accepting work and waits for live sagas to finish. If ctx ends
// first, in-flight sagas are cancelled and Close waits for them to unwind.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.cancel()
		<-done
	}

	r.cancel()
	for _, pool := range r.pools {
		pool.Close()
	}
	return err
}

func snapshotFromCheckpoint(cp Checkpoint) Snapshot {
	return Snapshot{
		SagaID:    cp.ID,
		OrderID:   cp.OrderID,
		Phase:     cp.Phase,
		Cancelled: cp.Cancelled,
		Address:   cp.Address,
		Order:     cp.Order,
		LastStep:  cp.Step,
	}
}
