package saga

import "sync"

// Mailbox buffers signals addressed to one saga instance until the machine
// drains it at a checkpoint. Posting never blocks; draining empties the box.
type Mailbox struct {
	mu      sync.Mutex
	pending []Signal
}

// NewMailbox constructs an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Post appends a signal for the next checkpoint.
func (b *Mailbox) Post(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, sig)
}

// Drain returns buffered signals in arrival order and empties the mailbox.
func (b *Mailbox) Drain() []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	sigs := b.pending
	b.pending = nil
	return sigs
}
