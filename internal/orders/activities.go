package orders

import (
	"context"
	"log"

	"orderflow/internal/saga"
)

// Service implements saga.Activities against the idempotency store. Every
// operation first runs the fault injector, then checks for a previously
// committed outcome and returns it unchanged when found.
type Service struct {
	store  Store
	faults FaultInjector
	logf   func(format string, args ...any)
}

// NewService constructs the business operations over a store.
func NewService(store Store, faults FaultInjector, logf func(string, ...any)) *Service {
	if faults == nil {
		faults = NopInjector{}
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Service{store: store, faults: faults, logf: logf}
}

func defaultItems() []saga.Item {
	return []saga.Item{{SKU: "ABC", Qty: 1}}
}

// ReceiveOrder stores a new order, or returns the existing snapshot unchanged.
func (s *Service) ReceiveOrder(ctx context.Context, orderID string) (saga.OrderData, error) {
	if err := s.faults.Invoke(ctx); err != nil {
		return saga.OrderData{}, err
	}

	created, err := s.store.CreateOrder(ctx, orderID)
	if err != nil {
		return saga.OrderData{}, err
	}
	if created {
		s.logf("order %s received and stored", orderID)
	} else {
		s.logf("order %s already exists", orderID)
	}
	return saga.OrderData{OrderID: orderID, Items: defaultItems()}, nil
}

// ValidateOrder checks the items precondition then marks the order validated.
func (s *Service) ValidateOrder(ctx context.Context, order saga.OrderData) (bool, error) {
	if err := s.faults.Invoke(ctx); err != nil {
		return false, err
	}

	if len(order.Items) == 0 {
		return false, ErrNoItems
	}

	already, err := s.store.MarkValidated(ctx, order.OrderID)
	if err != nil {
		return false, err
	}
	if already {
		s.logf("order %s already validated", order.OrderID)
	} else {
		s.logf("order %s validated", order.OrderID)
	}
	return true, nil
}

// ChargePayment charges once per payment id; a repeat attempt returns the
// original committed result, never a second charge.
func (s *Service) ChargePayment(ctx context.Context, order saga.OrderData, paymentID string) (saga.ChargeResult, error) {
	if err := s.faults.Invoke(ctx); err != nil {
		return saga.ChargeResult{}, err
	}

	var amount float64
	for _, item := range order.Items {
		qty := item.Qty
		if qty < 1 {
			qty = 1
		}
		amount += float64(qty)
	}

	rec, created, err := s.store.ChargePayment(ctx, paymentID, order.OrderID, amount)
	if err != nil {
		return saga.ChargeResult{}, err
	}
	if created {
		s.logf("payment %s charged for order %s", paymentID, order.OrderID)
	} else {
		s.logf("payment %s already processed", paymentID)
	}
	return saga.ChargeResult{Status: rec.Status, Amount: rec.Amount}, nil
}

// PreparePackage records package preparation once per order.
func (s *Service) PreparePackage(ctx context.Context, order saga.OrderData) (string, error) {
	if err := s.faults.Invoke(ctx); err != nil {
		return "", err
	}

	done, err := s.store.StepRecorded(ctx, order.OrderID, EventPackagePrepared)
	if err != nil {
		return "", err
	}
	if done {
		s.logf("package for order %s already prepared", order.OrderID)
		return "Package ready", nil
	}

	if _, err := s.store.RecordStep(ctx, order.OrderID, EventPackagePrepared, map[string]any{
		"order_id": order.OrderID,
		"status":   "prepared",
	}); err != nil {
		return "", err
	}
	s.logf("package prepared for order %s", order.OrderID)
	return "Package ready", nil
}

// DispatchCarrier records carrier dispatch once per order, capturing the
// shipping address observed at dispatch time.
func (s *Service) DispatchCarrier(ctx context.Context, order saga.OrderData, address saga.Address) (string, error) {
	if err := s.faults.Invoke(ctx); err != nil {
		return "", err
	}

	done, err := s.store.StepRecorded(ctx, order.OrderID, EventCarrierDispatched)
	if err != nil {
		return "", err
	}
	if done {
		s.logf("carrier for order %s already dispatched", order.OrderID)
		return "Dispatched", nil
	}

	if _, err := s.store.RecordStep(ctx, order.OrderID, EventCarrierDispatched, map[string]any{
		"order_id":    order.OrderID,
		"status":      "dispatched",
		"street":      address.Street,
		"city":        address.City,
		"state":       address.State,
		"postal_code": address.PostalCode,
		"country":     address.Country,
	}); err != nil {
		return "", err
	}
	s.logf("carrier dispatched for order %s", order.OrderID)
	return "Dispatched", nil
}
