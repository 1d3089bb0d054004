// Package eventlog appends session lifecycle events to a JSON-lines file for
// external inspection. It is write-only: nothing in the process reads the
// log back, and a failed append never fails the mutation that caused it.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/thinkwatch/backend/internal/session"
)

// Log is an append-only event sink. A nil *Log discards every event.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens path for appending, creating it and its parent directory if
// needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Path returns the file the log writes to, or "" for a nil log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes ev as one line. The write completes before Append returns.
func (l *Log) Append(ev session.Event) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
