package orders

import (
	"context"
	"errors"
	"math/rand"
)

// ErrInjectedFailure is the forced failure produced by the random injector.
var ErrInjectedFailure = errors.New("injected failure")

// FaultInjector may fail or stall an operation before it touches the store.
// It exists to exercise the step executor's retry and timeout paths and must
// never carry business logic.
type FaultInjector interface {
	Invoke(ctx context.Context) error
}

// NopInjector never injects anything.
type NopInjector struct{}

func (NopInjector) Invoke(ctx context.Context) error {
	return ctx.Err()
}

// RandomInjector independently draws one of three outcomes per invocation:
// immediate failure, a stall that blocks until the context ends, or success.
type RandomInjector struct {
	failProb  float64
	stallProb float64
	random    func() float64
}

// NewRandomInjector constructs an injector with the given probabilities.
// failProb and stallProb are each in [0, 1]; the remainder is success.
func NewRandomInjector(failProb, stallProb float64) *RandomInjector {
	return &RandomInjector{
		failProb:  failProb,
		stallProb: stallProb,
		random:    rand.Float64,
	}
}

func (r *RandomInjector) Invoke(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	draw := r.random()
	if draw < r.failProb {
		return ErrInjectedFailure
	}
	if draw < r.failProb+r.stallProb {
		// Stall until the attempt is timed out and abandoned.
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
