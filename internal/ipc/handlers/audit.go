package handlers

import (
	"context"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// AuditHandlers closes over the audit log for the audit_query action.
type AuditHandlers struct {
	Audit *audit.Log
}

// Query handles audit_query: {filter: {action?, sessionId?, result?, limit?}} -> {entries}.
func (h *AuditHandlers) Query(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	filter := audit.Filter{}
	if f, ok := payload["filter"].(map[string]interface{}); ok {
		filter.Action, _ = f["action"].(string)
		filter.SessionID, _ = f["sessionId"].(string)
		if r, ok := f["result"].(string); ok {
			filter.Result = audit.Result(r)
		}
		if l, ok := f["limit"].(float64); ok {
			filter.Limit = int(l)
		}
	}
	entries := h.Audit.Query(filter)
	return ipcproto.Result{"entries": entries}, nil
}
