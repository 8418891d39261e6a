// Package journal is an append-only JSON-Lines lifecycle event log
// (SPEC_FULL.md §4.H): a write-only diagnostic aid for operators. The
// supervisor never reads it back to reconstruct fleet state — spec.md's
// "Persisted state: None" applies to the fleet's own records regardless of
// what this package writes.
package journal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one lifecycle record written to journal.jsonl.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	TunnelID  int       `json:"tunnel_id"`
	SSHID     int       `json:"ssh_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Journal appends events to a single JSONL file, one per line.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates (or appends to) the journal file at path, creating parent
// directories as needed. A nil *Journal receiver from a failed Open is
// never returned; callers get an error instead and decide whether a
// missing journal is fatal.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes evt as one JSON line, stamping Timestamp if unset. Errors
// are logged, not returned: a failing journal must never interrupt the
// supervisor's own lifecycle operations (it is purely a diagnostic aid).
func (j *Journal) Append(evt Event) {
	if j == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		slog.Debug("journal marshal failed", "err", err)
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		slog.Debug("journal write failed", "err", err)
	}
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
