package saga

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileTransitionLog appends saga transitions to a file as JSON lines, fsynced
// per record. It is an audit trail, not the source of truth; the checkpoint
// store owns recovery.
type FileTransitionLog struct {
	mu   sync.Mutex
	f    *os.File
	logf func(format string, args ...any)
}

// NewFileTransitionLog constructs a transition log targeting the given path.
func NewFileTransitionLog(path string, logf func(string, ...any)) (*FileTransitionLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &FileTransitionLog{f: f, logf: logf}, nil
}

// Transition appends one record. Write failures are logged, never propagated
// into the saga path.
func (w *FileTransitionLog) Transition(t Transition) {
	if err := w.append(t); err != nil {
		w.logf("transition log: %v", err)
	}
}

func (w *FileTransitionLog) append(t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}

	return w.f.Sync()
}

// Close releases the underlying file handle.
func (w *FileTransitionLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
