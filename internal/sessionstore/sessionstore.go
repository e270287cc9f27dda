// Package sessionstore tracks the "last channel session" per agent, so
// scheduled jobs with delivery.target == "last" can resolve where to
// deliver. The richer per-message conversation state lives in
// internal/conversation instead.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Address identifies where to deliver a message for an agent: the
// channel name plus enough routing info for that channel's Send.
type Address struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
	Scope   string `json:"scope"` // "dm", "channel", "thread"
}

// Store persists, per agent ID, the most recently seen channel address.
// Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	dir  string
	last map[string]Address
}

// Open loads (or creates) the last-session store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	s := &Store{dir: dir, last: make(map[string]Address)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(agentID string) string {
	return filepath.Join(s.dir, agentID+".json")
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("sessionstore: readdir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var addr Address
		if json.Unmarshal(data, &addr) != nil {
			continue
		}
		agentID := e.Name()[:len(e.Name())-len(".json")]
		s.last[agentID] = addr
	}
	return nil
}

// Record remembers addr as the last channel session seen for agentID.
func (s *Store) Record(agentID string, addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last[agentID] = addr

	data, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}
	tmp := s.path(agentID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessionstore: write temp: %w", err)
	}
	return os.Rename(tmp, s.path(agentID))
}

// Last returns the last-seen channel address for agentID, or ok=false if
// none has been recorded.
func (s *Store) Last(agentID string) (Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.last[agentID]
	return addr, ok
}
