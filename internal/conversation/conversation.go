// Package conversation implements the per-session append-only turn log,
// backed by the same modernc.org/sqlite handle style as internal/queue.
package conversation

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Role is either "user" or "assistant".
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one row in a session's conversation log.
type Turn struct {
	SessionID string
	Seq       int64
	Role      Role
	Content   string
	Sender    string
}

// Store is the conversation turn log.
type Store struct {
	db *sql.DB

	// maxTurns bounds the tail kept per session; Append prunes beyond it.
	maxTurns int
}

// Open opens (creating if needed) the conversation database at path.
// maxTurns <= 0 disables automatic pruning on Append.
func Open(path string, maxTurns int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("conversation: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("conversation: migrate: %w", err)
	}
	return &Store{db: db, maxTurns: maxTurns}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	sender TEXT,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append adds one turn to sessionID's log at the next sequence number,
// then prunes to maxTurns if configured. seq is monotonically increasing
// per session.
func (s *Store) Append(sessionID string, role Role, content string, sender string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("conversation: append: begin: %w", err)
	}
	defer tx.Rollback()

	var nextSeq int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM turns WHERE session_id = ?`, sessionID)
	if err := row.Scan(&nextSeq); err != nil {
		return fmt.Errorf("conversation: append: next seq: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO turns (session_id, seq, role, content, sender, timestamp) VALUES (?,?,?,?,?, strftime('%s','now'))`,
		sessionID, nextSeq, role, content, sender,
	)
	if err != nil {
		return fmt.Errorf("conversation: append: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("conversation: append: commit: %w", err)
	}

	if s.maxTurns > 0 {
		count, err := s.Count(sessionID)
		if err == nil && count > s.maxTurns {
			_ = s.Prune(sessionID, s.maxTurns)
		}
	}
	return nil
}

// Load returns the most recent limit turns in chronological order.
// limit <= 0 returns the full log.
func (s *Store) Load(sessionID string, limit int) ([]Turn, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(`
			SELECT session_id, seq, role, content, COALESCE(sender,'')
			FROM (
				SELECT * FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`, sessionID, limit)
	} else {
		rows, err = s.db.Query(`SELECT session_id, seq, role, content, COALESCE(sender,'') FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.Role, &t.Content, &t.Sender); err != nil {
			return nil, fmt.Errorf("conversation: load: scan: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Count returns the number of turns recorded for sessionID.
func (s *Store) Count(sessionID string) (int, error) {
	var n int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation: count: %w", err)
	}
	return n, nil
}

// Prune deletes all but the most recent keepTail turns for sessionID.
func (s *Store) Prune(sessionID string, keepTail int) error {
	_, err := s.db.Exec(`
		DELETE FROM turns
		WHERE session_id = ?
		  AND seq NOT IN (
			SELECT seq FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		  )`, sessionID, sessionID, keepTail)
	if err != nil {
		return fmt.Errorf("conversation: prune: %w", err)
	}
	return nil
}

// PrependWithDedup merges parent thread-context turns ahead of existing
// thread turns, de-duplicating the boundary turn if the first thread turn
// equals the last parent turn by (content, sender).
func PrependWithDedup(parentTail []Turn, threadTurns []Turn) []Turn {
	if len(parentTail) == 0 {
		return threadTurns
	}
	if len(threadTurns) > 0 {
		last := parentTail[len(parentTail)-1]
		first := threadTurns[0]
		if last.Content == first.Content && last.Sender == first.Sender {
			parentTail = parentTail[:len(parentTail)-1]
		}
	}
	merged := make([]Turn, 0, len(parentTail)+len(threadTurns))
	merged = append(merged, parentTail...)
	merged = append(merged, threadTurns...)
	return merged
}
