// Package handlers implements the IPC action handlers, one file per
// action family. Each handler is a plain function matching ipc.Handler,
// registered with internal/ipc.Server at startup.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// MemoryStore is a per-session workspace-scoped key-value store backed
// by one JSON file per entry under <workspace>/.ax-memory/. Path
// resolution is confined to the workspace root.
type MemoryStore struct {
	workspaceRoot func(sessionID string) (string, error)
}

// NewMemoryStore builds a MemoryStore whose workspace root is resolved
// per session via workspaceRoot (normally session.WorkspacePath).
func NewMemoryStore(workspaceRoot func(sessionID string) (string, error)) *MemoryStore {
	return &MemoryStore{workspaceRoot: workspaceRoot}
}

type memoryEntry struct {
	ID      string   `json:"id"`
	Scope   string   `json:"scope"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (m *MemoryStore) dir(sessionID string) (string, error) {
	ws, err := m.workspaceRoot(sessionID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(ws, ".ax-memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("memory: mkdir: %w", err)
	}
	return dir, nil
}

func (m *MemoryStore) entryPath(sessionID, id string) (string, error) {
	dir, err := m.dir(sessionID)
	if err != nil {
		return "", err
	}
	// id is always server-generated (uuid), never path-joined from
	// caller-controlled strings that could escape dir.
	return filepath.Join(dir, id+".json"), nil
}

// Write handles memory_write: {scope, content, tags?} -> {id}.
func (m *MemoryStore) Write(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	scope, _ := payload["scope"].(string)
	content, _ := payload["content"].(string)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	var tags []string
	if raw, ok := payload["tags"].([]interface{}); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	id := uuid.NewString()
	path, err := m.entryPath(reqCtx.SessionID, id)
	if err != nil {
		return nil, err
	}
	entry := memoryEntry{ID: id, Scope: scope, Content: content, Tags: tags}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("memory: write: %w", err)
	}
	return ipcproto.Result{"id": id}, nil
}

// Read handles memory_read: {id} -> {entry}.
func (m *MemoryStore) Read(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	path, err := m.entryPath(reqCtx.SessionID, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: entry not found")
	}
	var entry memoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("memory: corrupt entry: %w", err)
	}
	return ipcproto.Result{"entry": entry}, nil
}

// List handles memory_list: {scope?, limit?} -> {entries}.
func (m *MemoryStore) List(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	scope, _ := payload["scope"].(string)
	limit := 0
	if l, ok := payload["limit"].(float64); ok {
		limit = int(l)
	}

	dir, err := m.dir(reqCtx.SessionID)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}

	var entries []memoryEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var entry memoryEntry
		if json.Unmarshal(data, &entry) != nil {
			continue
		}
		if scope != "" && entry.Scope != scope {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return ipcproto.Result{"entries": entries}, nil
}

// Delete handles memory_delete: {id} -> {ok:true}.
func (m *MemoryStore) Delete(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	id, _ := payload["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	path, err := m.entryPath(reqCtx.SessionID, id)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("memory: delete: %w", err)
	}
	return ipcproto.Result{}, nil
}

// Query handles memory_query: {scope, limit?} -> {entries}. Simple
// scope-match query; no ranking or embedding.
func (m *MemoryStore) Query(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	return m.List(ctx, reqCtx, payload)
}
