package orders

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and as the wiring fallback
// when no database is configured.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]string // order id -> state
	payments    map[string]PaymentRecord
	events      []EventRecord
	eventByKey  map[string]bool // order id + "\x00" + event type
	nextEventID int64
	now         func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]string),
		payments:   make(map[string]PaymentRecord),
		eventByKey: make(map[string]bool),
		now:        time.Now,
	}
}

func eventKey(orderID, eventType string) string {
	return orderID + "\x00" + eventType
}

// appendEvent records an event once per (order, type). Callers hold the lock.
func (s *MemoryStore) appendEvent(orderID, eventType string, payload map[string]any) bool {
	key := eventKey(orderID, eventType)
	if s.eventByKey[key] {
		return false
	}
	s.eventByKey[key] = true
	s.nextEventID++
	s.events = append(s.events, EventRecord{
		ID:      s.nextEventID,
		OrderID: orderID,
		Type:    eventType,
		Payload: payload,
		At:      s.now(),
	})
	return true
}

func (s *MemoryStore) CreateOrder(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; ok {
		return false, nil
	}
	s.orders[orderID] = StateReceived
	s.appendEvent(orderID, EventOrderReceived, map[string]any{"order_id": orderID})
	return true, nil
}

func (s *MemoryStore) MarkValidated(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if state == StateValidated || state == StatePaid {
		return true, nil
	}
	s.orders[orderID] = StateValidated
	s.appendEvent(orderID, EventOrderValidated, map[string]any{"order_id": orderID, "status": StateValidated})
	return false, nil
}

func (s *MemoryStore) ChargePayment(ctx context.Context, paymentID, orderID string, amount float64) (PaymentRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return PaymentRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.payments[paymentID]; ok {
		return rec, false, nil
	}
	rec := PaymentRecord{
		PaymentID: paymentID,
		OrderID:   orderID,
		Status:    "charged",
		Amount:    amount,
	}
	s.payments[paymentID] = rec
	if _, ok := s.orders[orderID]; ok {
		s.orders[orderID] = StatePaid
	}
	s.appendEvent(orderID, EventPaymentCharged, map[string]any{"payment_id": paymentID, "amount": amount})
	return rec, true, nil
}

func (s *MemoryStore) RecordStep(ctx context.Context, orderID, eventType string, payload map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEvent(orderID, eventType, payload), nil
}

func (s *MemoryStore) StepRecorded(ctx context.Context, orderID, eventType string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventByKey[eventKey(orderID, eventType)], nil
}

// Events returns the recorded events for an order in append order
// (for testing/inspection).
func (s *MemoryStore) Events(orderID string) []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventRecord
	for _, ev := range s.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out
}

// Payment returns the committed payment for a payment id, if any
// (for testing/inspection).
func (s *MemoryStore) Payment(paymentID string) (PaymentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[paymentID]
	return rec, ok
}

// OrderState returns the persisted state for an order, if any
// (for testing/inspection).
func (s *MemoryStore) OrderState(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.orders[orderID]
	return state, ok
}
