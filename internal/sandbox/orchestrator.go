package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/axrunhq/ax/internal/conversation"
	"github.com/axrunhq/ax/internal/queue"
	"github.com/axrunhq/ax/internal/session"
	"github.com/axrunhq/ax/internal/taint"
)

// Payload is the single JSON object written to the child's stdin.
type Payload struct {
	History       []conversation.Turn `json:"history"`
	Message       string              `json:"message"`
	TaintRatio    float64             `json:"taintRatio"`
	TaintThreshold float64            `json:"taintThreshold"`
	Profile       taint.Profile       `json:"profile"`
	SandboxType   string              `json:"sandboxType"`
	UserID        string              `json:"userId,omitempty"`
	ReplyOptional bool                `json:"replyOptional,omitempty"`
	AgentID       string              `json:"agentId"`
	AgentName     string              `json:"agentName"`
}

// Orchestrator runs the per-dequeued-message sandbox lifecycle. It does
// not itself run ProcessInbound/ProcessOutbound; those belong to the
// router. The orchestrator owns everything between dequeue and raw
// agent stdout.
type Orchestrator struct {
	Provider     Provider
	Queue        *queue.Queue
	Conversation *conversation.Store
	Budget       *taint.Budget
	Profile      taint.Profile

	DataDir       string // for session.WorkspacePath
	SkillsHostDir string
	AgentsRoot    string

	Command         []string
	TimeoutSec      int
	MemoryMB        int
	MaxHistoryTurns int
	SandboxType     string

	// ThreadContextN bounds how many trailing turns of a thread-scope
	// session's parent channel session are prepended to its own history.
	// 0 disables the prepend.
	ThreadContextN int

	// Skills caches the host skills directory in memory, invalidated by
	// fsnotify on change, so refreshSkillsSnapshot doesn't re-stat and
	// re-read every .md file from disk on every single turn. Nil falls
	// back to a direct os.ReadDir poll (set by NewOrchestrator's caller
	// only if the watch could not be started).
	Skills *SkillsWatcher
}

// RunQueued runs the full sandbox lifecycle for the message already
// enqueued under queueID, returning the agent's raw (untrimmed-of-canary)
// stdout on a zero exit code. Callers are responsible for running the
// result through router.ProcessOutbound and persisting the assistant
// turn; this keeps the canary-check/taint-record/append sequence
// singular regardless of which caller (channel ingestor, HTTP surface,
// delegated sub-agent) drives the spawn.
func (o *Orchestrator) RunQueued(ctx context.Context, queueID, agentID, agentName string, replyOptional bool) (string, error) {
	msg, err := o.Queue.DequeueByID(queueID)
	if err != nil {
		return "", fmt.Errorf("sandbox: dequeue: %w", err)
	}
	if msg == nil {
		return "", fmt.Errorf("sandbox: queued message %s not found or already claimed", queueID)
	}

	workspace, err := session.WorkspacePath(o.DataDir, msg.SessionID)
	if err != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: workspace path: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: materialise workspace: %w", err)
	}
	if session.IsEphemeral(msg.SessionID) {
		// UUID sessions get a fresh workspace per turn; persistent ones
		// keep theirs for the background age sweep to collect.
		defer os.RemoveAll(workspace)
	}

	skillsDir := filepath.Join(workspace, "skills")
	if err := o.refreshSkillsSnapshot(skillsDir); err != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: skills snapshot: %w", err)
	}

	history, err := o.Conversation.Load(msg.SessionID, o.MaxHistoryTurns)
	if err != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: load history: %w", err)
	}
	history, err = o.prependParentThreadContext(msg.SessionID, history)
	if err != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: load parent thread context: %w", err)
	}

	ipcSocket := filepath.Join(filepath.Dir(o.DataDir), "ipc.sock")
	agentDir := filepath.Join(o.AgentsRoot, agentID)

	handle, err := o.Provider.Spawn(ctx, SpawnSpec{
		Command:    o.Command,
		Workspace:  workspace,
		SkillsDir:  skillsDir,
		IPCSocket:  ipcSocket,
		TimeoutSec: o.TimeoutSec,
		MemoryMB:   o.MemoryMB,
		AgentDir:   agentDir,
	})
	if err != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: spawn: %w", err)
	}

	state := o.Budget.GetState(msg.SessionID)
	threshold, ok := taint.Thresholds[o.Profile]
	if !ok {
		threshold = taint.Thresholds[taint.ProfileBalanced]
	}
	payload := Payload{
		History:        history,
		Message:        msg.Content,
		TaintRatio:     state.TaintRatio,
		TaintThreshold: threshold,
		Profile:        o.Profile,
		SandboxType:    o.SandboxType,
		ReplyOptional:  replyOptional,
		AgentID:        agentID,
		AgentName:      agentName,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		_ = handle.Kill()
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: marshal payload: %w", err)
	}
	if _, err := handle.Stdin().Write(data); err != nil {
		_ = handle.Kill()
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: write stdin: %w", err)
	}
	if err := handle.Stdin().Close(); err != nil {
		_ = handle.Kill()
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: close stdin: %w", err)
	}

	// Drain stdout and stderr concurrently: sequential reads can deadlock
	// if one pipe's buffer fills while the other is still being read.
	var stdoutBuf, stderrBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdoutBuf, handle.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderrBuf, handle.Stderr())
		return err
	})
	drainErr := g.Wait()

	exitCode, waitErr := handle.Wait()
	if waitErr != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: wait: %w", waitErr)
	}
	if drainErr != nil {
		_ = o.Queue.Fail(msg.ID)
		return "", fmt.Errorf("sandbox: drain: %w", drainErr)
	}

	if exitCode != 0 {
		_ = o.Queue.Fail(msg.ID)
		diag := strings.TrimSpace(stderrBuf.String())
		if diag == "" {
			diag = fmt.Sprintf("agent process exited with code %d", exitCode)
		}
		return "", fmt.Errorf("sandbox: %s", diag)
	}

	if err := o.Queue.Complete(msg.ID); err != nil {
		return "", fmt.Errorf("sandbox: complete: %w", err)
	}
	return strings.TrimRight(stdoutBuf.String(), "\n"), nil
}

// prependParentThreadContext gives a thread session its surrounding
// channel context: the last ThreadContextN turns of its parent
// channel session (same agent/channel/scope, no thread segment) are
// prepended ahead of the thread's own history, de-duplicating the
// boundary turn (conversation.PrependWithDedup).
func (o *Orchestrator) prependParentThreadContext(sessionID string, threadTurns []conversation.Turn) ([]conversation.Turn, error) {
	if o.ThreadContextN <= 0 {
		return threadTurns, nil
	}
	parts, err := session.Parse(sessionID)
	if err != nil || parts.Thread == "" {
		return threadTurns, nil // ephemeral (UUID) or non-thread sessions have no parent
	}
	parentID, err := session.ComposeSessionID(parts.Agent, parts.Channel, parts.Scope, "")
	if err != nil {
		return threadTurns, nil
	}
	parentTail, err := o.Conversation.Load(parentID, o.ThreadContextN)
	if err != nil {
		return nil, err
	}
	return conversation.PrependWithDedup(parentTail, threadTurns), nil
}

// refreshSkillsSnapshot materialises every current .md skill into dir and
// removes any workspace skill file the host no longer has, so newly
// approved (or reverted) skills appear on the agent's next turn. When
// o.Skills is set, the host directory is never
// re-read here; the watcher's debounced fsnotify cache is the source
// of truth, so snapshotting a workspace is just a memory-to-disk copy
// regardless of how many turns run between skill-store changes.
func (o *Orchestrator) refreshSkillsSnapshot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var hostFiles map[string][]byte
	if o.Skills != nil {
		hostFiles = o.Skills.Snapshot()
	} else {
		hostFiles = make(map[string][]byte)
		entries, err := os.ReadDir(o.SkillsHostDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(o.SkillsHostDir, e.Name()))
			if err != nil {
				continue
			}
			hostFiles[e.Name()] = data
		}
	}

	for name, data := range hostFiles {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}

	workspaceEntries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range workspaceEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		if _, ok := hostFiles[e.Name()]; !ok {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
