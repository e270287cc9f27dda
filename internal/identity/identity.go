// Package identity manages the per-agent registry and identity files
// (SOUL.md, IDENTITY.md, USER.md, BOOTSTRAP.md, admins), including the
// identity-write policy state machine that gates mutation by profile,
// taint check and scanner verdict.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/scanner"
	"github.com/axrunhq/ax/internal/taint"
)

// Record is one entry in the agent registry (registry.json).
type Record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry is the JSON list of known agents, persisted atomically.
type Registry struct {
	mu   sync.Mutex
	path string
	recs []Record
}

// OpenRegistry loads (or creates) registry.json at path.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("identity: read registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.recs); err != nil {
		return nil, fmt.Errorf("identity: parse registry: %w", err)
	}
	return r, nil
}

// List returns all registered agents.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.recs))
	copy(out, r.recs)
	return out
}

// Add registers a new agent, no-op if the ID already exists.
func (r *Registry) Add(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.recs {
		if existing.ID == rec.ID {
			return nil
		}
	}
	r.recs = append(r.recs, rec)
	return r.save()
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.recs, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("identity: write registry temp: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Known identity file names.
const (
	FileSoul      = "SOUL.md"
	FileIdentity  = "IDENTITY.md"
	FileUser      = "USER.md"
	FileBootstrap = "BOOTSTRAP.md"
	FileAdmins    = "admins"
)

// Dir returns the filesystem directory for agent agentID under agentsRoot.
func Dir(agentsRoot, agentID string) string {
	return filepath.Join(agentsRoot, agentID)
}

// InBootstrapMode reports whether agentDir has BOOTSTRAP.md but no
// SOUL.md.
func InBootstrapMode(agentDir string) bool {
	_, bootstrapErr := os.Stat(filepath.Join(agentDir, FileBootstrap))
	_, soulErr := os.Stat(filepath.Join(agentDir, FileSoul))
	return bootstrapErr == nil && soulErr != nil
}

// IsAdmin reports whether senderID appears in agentDir's admins file
// (one identifier per line).
func IsAdmin(agentDir, senderID string) bool {
	data, err := os.ReadFile(filepath.Join(agentDir, FileAdmins))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == senderID {
			return true
		}
	}
	return false
}

// WriteOrigin distinguishes who requested an identity/user write.
type WriteOrigin string

const (
	OriginAgentInitiated WriteOrigin = "agent_initiated"
	OriginUser           WriteOrigin = "user_initiated"
)

// WriteRequest is the input to the identity-write policy.
type WriteRequest struct {
	AgentDir  string
	File      string // e.g. "SOUL.md"
	Content   string
	Reason    string
	Origin    WriteOrigin
	SessionID string
	Action    string // ipc action name, for taint.CheckAction ("identity_write" or "user_write")
}

// Outcome is the state machine's decision.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeQueued  Outcome = "queued"
	OutcomeReject  Outcome = "reject"
)

// WriteResult is returned from ApplyWritePolicy.
type WriteResult struct {
	Outcome   Outcome
	AuditTag  string
	Error     string
}

// ApplyWritePolicy runs the identity-write state machine and performs
// the write if the outcome is Applied. scan is the scanner verdict already
// computed for content; budget gates taint for non-yolo profiles.
func ApplyWritePolicy(req WriteRequest, scan scanner.Result, budget *taint.Budget, profile taint.Profile, log *audit.Log) WriteResult {
	if scan.Verdict == scanner.BLOCK {
		recordAudit(log, req, "scanner_blocked")
		return WriteResult{Outcome: OutcomeReject, AuditTag: "scanner_blocked", Error: "content blocked by scanner"}
	}

	if profile != taint.ProfileYOLO {
		check := budget.CheckAction(req.SessionID, req.Action)
		if !check.Allowed {
			recordAudit(log, req, "queued_tainted")
			return WriteResult{Outcome: OutcomeQueued, AuditTag: "queued_tainted"}
		}
	}

	if profile == taint.ProfileParanoid {
		recordAudit(log, req, "queued_paranoid")
		return WriteResult{Outcome: OutcomeQueued, AuditTag: "queued_paranoid"}
	}

	if err := writeAtomic(req.AgentDir, req.File, req.Content); err != nil {
		return WriteResult{Outcome: OutcomeReject, Error: err.Error()}
	}

	// SOUL.md supersedes BOOTSTRAP.md: writing it ends bootstrap mode.
	if req.File == FileSoul {
		_ = os.Remove(filepath.Join(req.AgentDir, FileBootstrap))
	}

	recordAudit(log, req, "applied")
	return WriteResult{Outcome: OutcomeApplied, AuditTag: "applied"}
}

func writeAtomic(dir, file, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("identity: ensure agent dir: %w", err)
	}
	target := filepath.Join(dir, file)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("identity: write temp: %w", err)
	}
	return os.Rename(tmp, target)
}

func recordAudit(log *audit.Log, req WriteRequest, tag string) {
	if log == nil {
		return
	}
	_ = log.Record(audit.Entry{
		Action:    req.Action,
		SessionID: req.SessionID,
		Args:      map[string]interface{}{"file": req.File, "origin": string(req.Origin), "audit_tag": tag},
		Result:    auditResultFor(tag),
	})
}

func auditResultFor(tag string) audit.Result {
	if tag == "applied" {
		return audit.ResultSuccess
	}
	return audit.ResultBlocked
}
