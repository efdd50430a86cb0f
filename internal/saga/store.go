package saga

import (
	"context"
	"sync"
	"time"
)

// Checkpoint is the durable state of one saga execution. Every field a
// restart needs to re-drive the saga from its last committed position is
// carried here, including step outputs consumed by later steps.
type Checkpoint struct {
	ID        string
	OrderID   string
	PaymentID string
	Phase     Phase
	Step      string
	Cancelled bool
	Address   Address
	Order     OrderData
	Payment   *ChargeResult
	Result    *Result
	UpdatedAt time.Time
}

// CheckpointStore persists saga checkpoints keyed by saga id. Save must be an
// upsert keyed by Checkpoint.ID; a previously committed checkpoint is never
// lost.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, id string) (Checkpoint, bool, error)
}

// MemoryCheckpointStore keeps checkpoints in memory. Used in tests and as the
// wiring fallback when no database is configured.
type MemoryCheckpointStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

// NewMemoryCheckpointStore constructs an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cps: make(map[string]Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.ID] = cp
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, id string) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	return cp, ok, nil
}

// Has reports whether a checkpoint exists for the given saga id
// (for testing/inspection).
func (s *MemoryCheckpointStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cps[id]
	return ok
}
