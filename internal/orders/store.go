package orders

import (
	"context"
	"errors"
	"time"
)

// Event types recorded once per distinct step outcome.
const (
	EventOrderReceived     = "order_received"
	EventOrderValidated    = "order_validated"
	EventPaymentCharged    = "payment_charged"
	EventPackagePrepared   = "package_prepared"
	EventCarrierDispatched = "carrier_dispatched"
)

// Order states persisted alongside the order row.
const (
	StateReceived  = "received"
	StateValidated = "validated"
	StatePaid      = "paid"
)

// PaymentRecord is the committed outcome of a charge, keyed by payment id.
type PaymentRecord struct {
	PaymentID string
	OrderID   string
	Status    string
	Amount    float64
}

// EventRecord is one append-only audit row.
type EventRecord struct {
	ID      int64
	OrderID string
	Type    string
	Payload map[string]any
	At      time.Time
}

// Store is the idempotency store consumed by the business operations. Every
// mutation is insert-or-fetch under a unique business key: repeated and
// concurrent attempts converge on the first committed outcome, and the event
// row lands in the same transaction as the entity mutation.
type Store interface {
	// CreateOrder inserts the order (state received) and its order_received
	// event if absent. Reports whether this call created the order.
	CreateOrder(ctx context.Context, orderID string) (created bool, err error)

	// MarkValidated transitions the order to validated and records the
	// order_validated event. Reports whether the order was already validated
	// (or beyond). Returns ErrOrderNotFound for an unknown order.
	MarkValidated(ctx context.Context, orderID string) (already bool, err error)

	// ChargePayment inserts the payment keyed by paymentID, or fetches the
	// previously committed one. On first insert the order moves to paid and
	// the payment_charged event is recorded in the same transaction.
	ChargePayment(ctx context.Context, paymentID, orderID string, amount float64) (rec PaymentRecord, created bool, err error)

	// RecordStep inserts an event once per (orderID, eventType). Reports
	// whether this call created the event.
	RecordStep(ctx context.Context, orderID, eventType string, payload map[string]any) (created bool, err error)

	// StepRecorded reports whether an event of the given type exists.
	StepRecorded(ctx context.Context, orderID, eventType string) (bool, error)
}

// ErrOrderNotFound signals an operation against an order that was never received.
var ErrOrderNotFound = errors.New("order not found")

// ErrNoItems signals an order with nothing to validate.
var ErrNoItems = errors.New("no items to validate")

// IsPermanent reports whether an error is a domain precondition failure that
// retrying can never fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrNoItems)
}
