package handlers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/identity"
	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/internal/scanner"
	"github.com/axrunhq/ax/internal/taint"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// IdentityHandlers closes over the components the identity_write/user_write
// policy state machine needs.
type IdentityHandlers struct {
	AgentsRoot string
	Scanner    scanner.Scanner
	Budget     *taint.Budget
	Profile    taint.Profile
	Audit      *audit.Log
}

// IdentityWrite handles identity_write: {file, content, reason, origin} -> {applied|queued, file} or {ok:false,error}.
func (h *IdentityHandlers) IdentityWrite(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	file, _ := payload["file"].(string)
	content, _ := payload["content"].(string)
	reason, _ := payload["reason"].(string)
	origin, _ := payload["origin"].(string)
	if file == "" || content == "" {
		return nil, fmt.Errorf("file and content are required")
	}
	if !isKnownIdentityFile(file) {
		return nil, fmt.Errorf("unknown identity file %q", file)
	}

	agentDir := filepath.Join(h.AgentsRoot, reqCtx.AgentID)
	scan := h.Scanner.ScanOutput(content)

	result := identity.ApplyWritePolicy(identity.WriteRequest{
		AgentDir:  agentDir,
		File:      file,
		Content:   content,
		Reason:    reason,
		Origin:    identity.WriteOrigin(origin),
		SessionID: reqCtx.SessionID,
		Action:    ipcproto.ActionIdentityWrite,
	}, scan, h.Budget, h.Profile, h.Audit)

	return outcomeResult(result, file)
}

// UserWrite handles user_write: {userId, content, reason, origin} -> analogous to identity_write but per-user file.
func (h *IdentityHandlers) UserWrite(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	userID, _ := payload["userId"].(string)
	content, _ := payload["content"].(string)
	reason, _ := payload["reason"].(string)
	origin, _ := payload["origin"].(string)
	if userID == "" || content == "" {
		return nil, fmt.Errorf("userId and content are required")
	}

	agentDir := filepath.Join(h.AgentsRoot, reqCtx.AgentID, "users")
	scan := h.Scanner.ScanOutput(content)

	result := identity.ApplyWritePolicy(identity.WriteRequest{
		AgentDir:  agentDir,
		File:      userID + ".md",
		Content:   content,
		Reason:    reason,
		Origin:    identity.WriteOrigin(origin),
		SessionID: reqCtx.SessionID,
		Action:    ipcproto.ActionUserWrite,
	}, scan, h.Budget, h.Profile, h.Audit)

	return outcomeResult(result, userID)
}

func isKnownIdentityFile(file string) bool {
	switch file {
	case identity.FileSoul, identity.FileIdentity, identity.FileUser, identity.FileBootstrap:
		return true
	default:
		return false
	}
}

func outcomeResult(result identity.WriteResult, file string) (ipcproto.Result, error) {
	switch result.Outcome {
	case identity.OutcomeApplied:
		return ipcproto.Result{"applied": true, "file": file}, nil
	case identity.OutcomeQueued:
		return ipcproto.Result{"queued": true, "file": file}, nil
	default:
		return nil, fmt.Errorf("%s", result.Error)
	}
}
