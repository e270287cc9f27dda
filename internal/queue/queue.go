// Package queue implements the durable message queue: a crash-safe
// FIFO with a queued/in-flight/complete/failed state machine, backed
// by modernc.org/sqlite.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status is one state in the queued-message finite state machine.
// Transitions are one-directional: queued -> in-flight -> (complete|failed).
type Status string

const (
	StatusQueued   Status = "queued"
	StatusInFlight Status = "in-flight"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Message is a persisted queue row.
type Message struct {
	ID         string
	SessionID  string
	Sender     string
	Channel    string
	Content    string
	Status     Status
	EnqueuedAt time.Time
}

// Queue is the durable FIFO. Safe for concurrent use: modernc.org/sqlite
// serializes writers internally and every mutating method here runs
// inside a transaction.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path and runs
// crash recovery: any row still marked in-flight from a previous process
// lifetime is reset to failed.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}

	q := &Queue{db: db}
	if err := q.recoverStaleInFlight(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_status_enqueued ON messages(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// recoverStaleInFlight marks every in-flight row failed. Called once at
// startup: a row left in-flight means the process that owned it died
// before calling Complete/Fail.
func (q *Queue) recoverStaleInFlight() error {
	_, err := q.db.Exec(`UPDATE messages SET status = ? WHERE status = ?`, StatusFailed, StatusInFlight)
	if err != nil {
		return fmt.Errorf("queue: recover stale in-flight rows: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends a new row in status=queued and returns its ID.
func (q *Queue) Enqueue(sessionID, sender, channel, content string) (string, error) {
	id := uuid.NewString()
	_, err := q.db.Exec(
		`INSERT INTO messages (id, session_id, sender, channel, content, status, enqueued_at) VALUES (?,?,?,?,?,?,?)`,
		id, sessionID, sender, channel, content, StatusQueued, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Dequeue atomically claims the oldest queued row for sessionID-agnostic
// FIFO processing, moving it to in-flight. Returns nil, nil if the queue
// is empty. At most one in-flight row per session_id is allowed: a
// session with an in-flight row is skipped until it completes or fails.
func (q *Queue) Dequeue() (*Message, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, session_id, sender, channel, content, status, enqueued_at
		FROM messages
		WHERE status = ?
		  AND session_id NOT IN (SELECT session_id FROM messages WHERE status = ?)
		ORDER BY enqueued_at ASC
		LIMIT 1`, StatusQueued, StatusInFlight)

	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: dequeue: scan: %w", err)
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, StatusInFlight, msg.ID); err != nil {
		return nil, fmt.Errorf("queue: dequeue: claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: dequeue: commit: %w", err)
	}
	msg.Status = StatusInFlight
	return msg, nil
}

// DequeueByID claims a specific row by ID, moving it to in-flight. Used
// by the HTTP pipeline to retrieve the exact message it just enqueued
// without racing FIFO interleaving from background channels.
func (q *Queue) DequeueByID(id string) (*Message, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeueByID: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, session_id, sender, channel, content, status, enqueued_at
		FROM messages WHERE id = ? AND status = ?`, id, StatusQueued)

	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: dequeueByID: scan: %w", err)
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, StatusInFlight, msg.ID); err != nil {
		return nil, fmt.Errorf("queue: dequeueByID: claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: dequeueByID: commit: %w", err)
	}
	msg.Status = StatusInFlight
	return msg, nil
}

// Complete marks an in-flight row complete.
func (q *Queue) Complete(id string) error {
	return q.transition(id, StatusComplete)
}

// Fail marks an in-flight row failed.
func (q *Queue) Fail(id string) error {
	return q.transition(id, StatusFailed)
}

func (q *Queue) transition(id string, status Status) error {
	res, err := q.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("queue: transition %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("queue: transition %s: no such message %s", status, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var enqueuedAtNanos int64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Channel, &m.Content, &m.Status, &enqueuedAtNanos); err != nil {
		return nil, err
	}
	m.EnqueuedAt = time.Unix(0, enqueuedAtNanos)
	return &m, nil
}
