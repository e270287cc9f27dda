// Package audit implements the append-only audit log
// (data/audit/audit.jsonl): one JSON object per line, opened in append
// mode and fsynced on every write so a crash never loses a committed
// entry.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Result is the terminal outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultBlocked Result = "blocked"
	ResultError   Result = "error"
)

// Entry is one audit record.
type Entry struct {
	Action     string                 `json:"action"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     Result                 `json:"result"`
	DurationMs int64                  `json:"durationMs"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Log is an append-only, file-backed audit sink with an in-memory
// queryable index of recent entries (bounded, so audit_query stays cheap
// without re-reading the whole file on every call).
type Log struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	recent  []Entry
	maxKeep int
}

// Open opens (creating if needed) the audit log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return &Log{f: f, w: bufio.NewWriter(f), maxKeep: 10000}, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Record appends an entry and mirrors it into the bounded in-memory index.
func (l *Log) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("audit: flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.recent = append(l.recent, e)
	if len(l.recent) > l.maxKeep {
		l.recent = l.recent[len(l.recent)-l.maxKeep:]
	}
	return nil
}

// Filter narrows an audit_query request.
type Filter struct {
	Action    string
	SessionID string
	Result    Result
	Limit     int
}

// Query returns entries matching filter, most recent last, from the
// in-memory index.
func (l *Log) Query(f Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.recent {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
