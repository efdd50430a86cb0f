package journal

import (
	"context"
	"sync"

	"orderflow/internal/saga"
)

// LocalJournal keeps accepted signals in memory. Used in tests and as the
// wiring fallback when no Redis is configured.
type LocalJournal struct {
	mu   sync.Mutex
	recs []saga.SignalRecord
}

// NewLocalJournal constructs an empty in-memory journal.
func NewLocalJournal() *LocalJournal {
	return &LocalJournal{}
}

// Append records the signal.
func (j *LocalJournal) Append(ctx context.Context, rec saga.SignalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	return nil
}

// Records returns a copy of the journalled signals (for testing/inspection).
func (j *LocalJournal) Records() []saga.SignalRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]saga.SignalRecord, len(j.recs))
	copy(out, j.recs)
	return out
}
