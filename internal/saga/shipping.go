package saga

import (
	"context"
	"fmt"
	"sync"
)

// ShippingSaga is the child saga for package preparation and carrier
// dispatch. It runs on the shipping task queue, accepts no signals, and once
// started always runs to a terminal result.
type ShippingSaga struct {
	parentID string
	order    OrderData
	address  Address
	acts     Activities
	exec     *Executor
	logf     func(format string, args ...any)

	mu    sync.Mutex
	phase ShippingPhase
}

// NewShippingSaga constructs a child saga bound to its parent's order
// snapshot and the shipping address committed at launch time.
func NewShippingSaga(parentID string, order OrderData, address Address, acts Activities, exec *Executor, logf func(string, ...any)) *ShippingSaga {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &ShippingSaga{
		parentID: parentID,
		order:    order,
		address:  address,
		acts:     acts,
		exec:     exec,
		logf:     logf,
		phase:    ShippingPreparing,
	}
}

// Phase returns the child's current phase (for testing/inspection).
func (s *ShippingSaga) Phase() ShippingPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *ShippingSaga) setPhase(p ShippingPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Run executes preparation then dispatch. Any failure is wrapped with
// ErrShippingFailed, preserving the cause for the parent.
func (s *ShippingSaga) Run(ctx context.Context) (ShippingResult, error) {
	orderID := s.order.OrderID
	s.logf("shipping %s: preparing package for order %s", s.parentID, orderID)

	s.setPhase(ShippingPreparing)
	var pkg string
	err := s.exec.Execute(ctx, stepPreparePackage, func(ctx context.Context) error {
		status, err := s.acts.PreparePackage(ctx, s.order)
		if err != nil {
			return err
		}
		pkg = status
		return nil
	})
	if err != nil {
		s.setPhase(ShippingFailed)
		return ShippingResult{Status: string(ShippingFailed)}, fmt.Errorf("%w: %w", ErrShippingFailed, err)
	}

	s.logf("shipping %s: dispatching carrier for order %s", s.parentID, orderID)
	s.setPhase(ShippingDispatching)
	var dispatch string
	err = s.exec.Execute(ctx, stepDispatchCarrier, func(ctx context.Context) error {
		status, err := s.acts.DispatchCarrier(ctx, s.order, s.address)
		if err != nil {
			return err
		}
		dispatch = status
		return nil
	})
	if err != nil {
		s.setPhase(ShippingFailed)
		return ShippingResult{Status: string(ShippingFailed)}, fmt.Errorf("%w: %w", ErrShippingFailed, err)
	}

	s.setPhase(ShippingShipped)
	s.logf("shipping %s: completed for order %s", s.parentID, orderID)
	return ShippingResult{
		Status:         string(ShippingShipped),
		PackageStatus:  pkg,
		DispatchStatus: dispatch,
	}, nil
}
