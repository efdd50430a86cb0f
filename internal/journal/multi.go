package journal

import (
	"context"
	"errors"

	"orderflow/internal/saga"
)

// MultiJournal appends to multiple journals in order.
type MultiJournal struct {
	journals []saga.SignalJournal
}

// NewMultiJournal constructs a journal that appends to each target in sequence.
func NewMultiJournal(journals ...saga.SignalJournal) *MultiJournal {
	return &MultiJournal{journals: journals}
}

// Append forwards the record to each journal, collecting errors so all
// journals get a chance to write.
func (m *MultiJournal) Append(ctx context.Context, rec saga.SignalRecord) error {
	var errs []error
	for _, j := range m.journals {
		if err := j.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
