package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// StepFunc is one side-effecting unit of work. It must honor ctx cancellation
// where it can; a stalled call is abandoned by the executor on timeout.
type StepFunc func(ctx context.Context) error

// StepPolicy controls per-attempt timeboxing and retry behavior for steps.
// The interval is fixed; there is no backoff.
type StepPolicy struct {
	// Timeout bounds each attempt. Required.
	Timeout time.Duration
	// Interval is the fixed wait between attempts.
	Interval time.Duration
	// MaxAttempts bounds the retry budget; 0 means unbounded.
	MaxAttempts int
	// Sleep is overridable for tests; defaults to a context-aware sleep.
	Sleep func(context.Context, time.Duration) error
	// ShouldRetry decides whether an attempt error is retried. Defaults to
	// retrying everything except context cancellation.
	ShouldRetry func(error) bool
}

// Pool executes submitted work on a bounded set of workers bound to one task
// queue. Step execution for a queue never runs outside its pool.
type Pool struct {
	queue string
	jobs  chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewPool constructs a pool with the given worker count for a task queue.
func NewPool(queue string, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		queue: queue,
		jobs:  make(chan func()),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					job()
				case <-p.done:
					return
				}
			}
		}()
	}
	return p
}

// Queue returns the task queue this pool serves.
func (p *Pool) Queue() string {
	return p.queue
}

// Submit schedules work on the pool, blocking until a worker accepts it, the
// pool closes, or the context ends. The jobs channel is never closed, so a
// submit racing a close settles on ErrRuntimeClosed instead of panicking.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.done:
		return ErrRuntimeClosed
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.done:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight jobs to finish. Safe to
// call more than once.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

// Executor invokes steps on a queue-bound pool under a StepPolicy. It offers
// no deduplication of its own; retried attempts genuinely re-invoke the step,
// so idempotency must live in the operation.
type Executor struct {
	pool    *Pool
	policy  StepPolicy
	metrics Metrics
	logf    func(format string, args ...any)
}

// NewExecutor constructs an Executor for the given pool and policy.
func NewExecutor(pool *Pool, policy StepPolicy, metrics Metrics, logf func(string, ...any)) *Executor {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Executor{pool: pool, policy: policy, metrics: metrics, logf: logf}
}

// Execute runs the step until it succeeds, a permanent error surfaces, the
// retry budget is exhausted, or ctx ends.
func (e *Executor) Execute(ctx context.Context, step string, fn StepFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sleep := e.policy.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := e.policy.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}

	var end func(error)
	if e.metrics != nil {
		end = e.metrics.StepStart(e.pool.Queue(), step)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		err := e.attempt(ctx, fn)
		if err == nil {
			if end != nil {
				end(nil)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if e.metrics != nil {
				e.metrics.StepTimeout(e.pool.Queue(), step)
			}
			e.logf("step %s attempt %d timed out after %v", step, attempt, e.policy.Timeout)
		} else {
			e.logf("step %s attempt %d failed: %v", step, attempt, err)
		}

		if !shouldRetry(err) || ctx.Err() != nil {
			break
		}
		if e.policy.MaxAttempts > 0 && attempt >= e.policy.MaxAttempts {
			lastErr = fmt.Errorf("step %s: %w after %d attempts: %w", step, ErrRetryExhausted, attempt, err)
			break
		}

		if e.metrics != nil {
			e.metrics.StepRetry(e.pool.Queue(), step)
		}
		if err := sleep(ctx, e.policy.Interval); err != nil {
			lastErr = err
			break
		}
	}

	if end != nil {
		end(lastErr)
	}
	return lastErr
}

// attempt runs fn once on the pool under the per-attempt timeout. On timeout
// the in-flight call is abandoned, not interrupted: the worker is released
// and fn's goroutine drains whenever it observes its context.
func (e *Executor) attempt(ctx context.Context, fn StepFunc) error {
	attemptCtx := ctx
	cancel := func() {}
	if e.policy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
	}
	defer cancel()

	errc := make(chan error, 1)
	job := func() {
		inner := make(chan error, 1)
		go func() {
			inner <- fn(attemptCtx)
		}()
		select {
		case err := <-inner:
			errc <- err
		case <-attemptCtx.Done():
			errc <- attemptCtx.Err()
		}
	}

	if err := e.pool.Submit(attemptCtx, job); err != nil {
		return err
	}
	return <-errc
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
