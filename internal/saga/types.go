package saga

import (
	"context"
	"errors"
	"time"
)

// Phase is the durable position of an order saga.
type Phase string

const (
	PhaseInitialized      Phase = "initialized"
	PhaseReceivingOrder   Phase = "receiving_order"
	PhaseValidatingOrder  Phase = "validating_order"
	PhaseManualReview     Phase = "manual_review"
	PhaseChargingPayment  Phase = "charging_payment"
	PhaseStartingShipping Phase = "starting_shipping"
	PhaseCompleted        Phase = "completed"
	PhaseCancelled        Phase = "cancelled"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether the phase is a final outcome.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// ShippingPhase is the position of a shipping child saga.
type ShippingPhase string

const (
	ShippingPreparing   ShippingPhase = "preparing"
	ShippingDispatching ShippingPhase = "dispatching"
	ShippingShipped     ShippingPhase = "shipped"
	ShippingFailed      ShippingPhase = "failed"
)

// Last-completed-step markers reported on cancellation and used to pick the
// resume point after a restart.
const (
	StepOrderReceived   = "order_received"
	StepOrderValidated  = "order_validated"
	StepManualReview    = "manual_review"
	StepPaymentCharged  = "payment_charged"
	StepShippingStarted = "shipping_started"
)

// Task queues the runtime partitions step execution across.
const (
	QueueOrder    = "order"
	QueueShipping = "shipping"
)

// Item is a single order line.
type Item struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// OrderData is the order snapshot flowing between saga steps.
type OrderData struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
}

// Address is a shipping address delivered via the update-address signal.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// ChargeResult is the outcome of the charge-payment step.
type ChargeResult struct {
	Status string  `json:"status"`
	Amount float64 `json:"amount"`
}

// ShippingResult is the terminal result of the shipping child saga.
type ShippingResult struct {
	Status         string `json:"status"`
	PackageStatus  string `json:"package_status"`
	DispatchStatus string `json:"dispatch_status"`
}

// Result is the terminal result of an order saga.
type Result struct {
	Status      string          `json:"status"`
	OrderID     string          `json:"order_id,omitempty"`
	Step        string          `json:"step,omitempty"`
	Payment     *ChargeResult   `json:"payment_result,omitempty"`
	Shipping    *ShippingResult `json:"shipping_result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ElapsedSecs float64         `json:"execution_time,omitempty"`
}

// Snapshot is the committed view returned by the query surface.
type Snapshot struct {
	SagaID    string    `json:"workflow_id"`
	OrderID   string    `json:"order_id"`
	Phase     Phase     `json:"current_step"`
	Cancelled bool      `json:"is_cancelled"`
	Address   Address   `json:"shipping_address"`
	Order     OrderData `json:"order_data"`
	LastStep  string    `json:"last_completed_step,omitempty"`
}

// SignalKind identifies a signal type.
type SignalKind string

const (
	SignalCancel        SignalKind = "cancel"
	SignalUpdateAddress SignalKind = "update_address"
)

// Signal is an out-of-band message applied to a saga at its next checkpoint.
type Signal struct {
	Kind    SignalKind
	Address Address
}

// Activities are the side-effecting business operations driven by the sagas.
// Implementations must be idempotent; retried attempts genuinely re-invoke them.
type Activities interface {
	ReceiveOrder(ctx context.Context, orderID string) (OrderData, error)
	ValidateOrder(ctx context.Context, order OrderData) (bool, error)
	ChargePayment(ctx context.Context, order OrderData, paymentID string) (ChargeResult, error)
	PreparePackage(ctx context.Context, order OrderData) (string, error)
	DispatchCarrier(ctx context.Context, order OrderData, address Address) (string, error)
}

// Transition is emitted after every durable phase change.
type Transition struct {
	SagaID  string    `json:"saga_id"`
	OrderID string    `json:"order_id"`
	Phase   Phase     `json:"phase"`
	Step    string    `json:"step,omitempty"`
	At      time.Time `json:"at"`
}

// TransitionSink observes durable phase changes (realtime feed, transition log).
type TransitionSink interface {
	Transition(t Transition)
}

// SignalRecord is the journalled form of an accepted signal.
type SignalRecord struct {
	SagaID  string
	OrderID string
	Kind    SignalKind
	Address Address
	At      time.Time
}

// SignalJournal records accepted signals before they are applied.
type SignalJournal interface {
	Append(ctx context.Context, rec SignalRecord) error
}

// Metrics receives step execution telemetry. Implementations must tolerate
// concurrent calls; a nil Metrics disables collection.
type Metrics interface {
	StepStart(queue, step string) func(err error)
	StepRetry(queue, step string)
	StepTimeout(queue, step string)
}

var (
	// ErrValidationFailed is the terminal domain error for a falsy validation.
	ErrValidationFailed = errors.New("order validation failed")

	// ErrPaymentFailed signals a charge that did not land in the charged state.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrRetryExhausted surfaces when a step's retry budget runs out.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrShippingFailed wraps any failure of the shipping child saga.
	ErrShippingFailed = errors.New("shipping failed")

	// ErrNotFound signals an unknown saga id.
	ErrNotFound = errors.New("saga not found")

	// ErrNotRunning signals a saga that exists durably but has no live execution.
	ErrNotRunning = errors.New("saga not running")

	// ErrFinished signals an operation on a saga that already reached a terminal phase.
	ErrFinished = errors.New("saga already finished")

	// ErrRuntimeClosed signals a runtime that no longer accepts work.
	ErrRuntimeClosed = errors.New("runtime closed")
)
