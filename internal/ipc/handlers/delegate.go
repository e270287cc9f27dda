package handlers

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// DelegateFunc invokes the full spawn pipeline for a delegated child
// task and returns its response. Injected from the cmd layer (the
// sandbox orchestrator), avoiding an import cycle between the IPC
// handlers and the sandbox package.
type DelegateFunc func(ctx context.Context, parentSessionID, task, extraContext string, depth int) (string, error)

// DelegateHandler bounds concurrent and deeply-nested agent delegation:
// a process-wide active counter and a per-request depth threaded through
// the child IPC context.
type DelegateHandler struct {
	Run           DelegateFunc
	MaxConcurrent int
	MaxDepth      int
	Audit         *audit.Log

	active int64
}

// Delegate handles agent_delegate: {task, context?} -> {response} or {ok:false,error}.
func (d *DelegateHandler) Delegate(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	task, _ := payload["task"].(string)
	extraContext, _ := payload["context"].(string)
	if task == "" {
		return nil, fmt.Errorf("task is required")
	}

	if reqCtx.DelegationDepth >= d.MaxDepth {
		return nil, fmt.Errorf("delegation rejected: max depth %d reached", d.MaxDepth)
	}

	// Claim a slot with a CAS loop so two concurrent requests can't both
	// pass a load-then-add gate and overshoot MaxConcurrent.
	for {
		cur := atomic.LoadInt64(&d.active)
		if cur >= int64(d.MaxConcurrent) {
			return nil, fmt.Errorf("delegation rejected: at concurrency limit (%d)", d.MaxConcurrent)
		}
		if atomic.CompareAndSwapInt64(&d.active, cur, cur+1) {
			break
		}
	}
	defer atomic.AddInt64(&d.active, -1)

	response, err := d.Run(ctx, reqCtx.SessionID, task, extraContext, reqCtx.DelegationDepth+1)
	if d.Audit != nil {
		res := audit.ResultSuccess
		if err != nil {
			res = audit.ResultError
		}
		_ = d.Audit.Record(audit.Entry{
			Action:    ipcproto.ActionAgentDelegate,
			SessionID: reqCtx.SessionID,
			Args:      map[string]interface{}{"depth": reqCtx.DelegationDepth + 1},
			Result:    res,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("delegation failed: %w", err)
	}
	return ipcproto.Result{"response": response}, nil
}

// ActiveCount returns the current number of in-flight delegations.
func (d *DelegateHandler) ActiveCount() int64 { return atomic.LoadInt64(&d.active) }
