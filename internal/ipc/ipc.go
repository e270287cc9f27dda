// Package ipc implements the Unix-domain-socket IPC gateway:
// length-prefixed framing, a static action allowlist, strict per-action
// schema validation, the taint gate, and handler dispatch with audit
// logging at every stage.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/taint"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// Handler processes one validated action and returns its result fields,
// flattened into the top-level response object alongside "ok".
type Handler func(ctx context.Context, reqCtx Context, payload map[string]interface{}) (ipcproto.Result, error)

// Context carries per-request routing info into a handler: which
// session/agent issued the call, and the delegation depth it was
// spawned at.
type Context struct {
	SessionID       string
	AgentID         string
	DelegationDepth int
}

// Validator checks a decoded payload against an action's strict schema
// (no unknown fields) before a handler ever sees it.
type Validator func(payload map[string]interface{}) error

// Server is the IPC gateway: one Unix socket, many accepted connections,
// each serving any number of requests until the peer closes.
type Server struct {
	socketPath string
	budget     *taint.Budget
	audit      *audit.Log

	handlers   map[string]Handler
	validators map[string]Validator

	limiter *rate.Limiter

	listener net.Listener
}

// New builds a Server bound to socketPath (not yet listening).
func New(socketPath string, budget *taint.Budget, auditLog *audit.Log) *Server {
	return &Server{
		socketPath: socketPath,
		budget:     budget,
		audit:      auditLog,
		handlers:   make(map[string]Handler),
		validators: make(map[string]Validator),
		limiter:    rate.NewLimiter(rate.Limit(200), 400),
	}
}

// Register wires a handler (and optional validator) for an action. The
// action must be a member of ipcproto.ValidActions.
func (s *Server) Register(action string, v Validator, h Handler) {
	s.handlers[action] = h
	if v != nil {
		s.validators[action] = v
	}
}

// Serve listens on the Unix socket and accepts connections until ctx is
// cancelled. Removes any stale socket file first.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("ipc.accept_failed", "error", err)
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				slog.Debug("ipc.connection_closed", "error", err)
			}
			return
		}
		if !s.limiter.Allow() {
			writeFrame(conn, ipcproto.Result{"ok": false, "error": "rate limited"})
			continue
		}

		resp := s.dispatch(ctx, frame)
		if err := writeFrame(conn, resp); err != nil {
			slog.Debug("ipc.write_failed", "error", err)
			return
		}
	}
}

// dispatch runs the parse/envelope/schema/taint/handler/error pipeline.
func (s *Server) dispatch(ctx context.Context, frame []byte) ipcproto.Result {
	start := time.Now()

	// 1. Parse
	var req map[string]interface{}
	if err := json.Unmarshal(frame, &req); err != nil {
		s.recordAudit("ipc_parse_error", "", audit.ResultError, start)
		return ipcproto.Result{"ok": false, "error": "Invalid JSON"}
	}

	action, _ := req["action"].(string)

	// 2. Envelope validation
	if action == "" || !ipcproto.ValidActions[action] {
		s.recordAudit("ipc_unknown_action", action, audit.ResultError, start)
		return ipcproto.Result{"ok": false, "error": "Unknown or missing action"}
	}

	// 3. Action schema validation
	if v, ok := s.validators[action]; ok {
		if err := v(req); err != nil {
			s.recordAudit("ipc_validation_failure", action, audit.ResultError, start)
			return ipcproto.Result{"ok": false, "error": fmt.Sprintf("Validation failed for action %s", action)}
		}
	}

	sessionID, _ := req["sessionId"].(string)
	agentID, _ := req["agentId"].(string)
	reqCtx := Context{SessionID: sessionID, AgentID: agentID}
	if depth, ok := req["delegationDepth"].(float64); ok {
		reqCtx.DelegationDepth = int(depth)
	}

	// 4. Taint gate, except identity-mutation actions (bespoke queuing).
	if !ipcproto.IdentityMutationActions[action] {
		check := s.budget.CheckAction(sessionID, action)
		if !check.Allowed {
			s.recordAudit("ipc_taint_blocked", action, audit.ResultBlocked, start)
			return ipcproto.Result{"ok": false, "taintBlocked": true, "error": check.Reason}
		}
	}

	// 5. Dispatch
	handler, ok := s.handlers[action]
	if !ok {
		s.recordAudit("ipc_unknown_action", action, audit.ResultError, start)
		return ipcproto.Result{"ok": false, "error": "Unknown or missing action"}
	}

	actionCtx, cancel := context.WithTimeout(ctx, timeoutFor(action))
	defer cancel()

	result, err := handler(actionCtx, reqCtx, req)
	if err != nil {
		// 6. Error
		s.recordAudit("ipc_handler_error", action, audit.ResultError, start)
		return ipcproto.Result{"ok": false, "error": err.Error()}
	}

	s.recordAudit(action, action, audit.ResultSuccess, start)
	out := ipcproto.Result{"ok": true}
	for k, v := range result {
		out[k] = v
	}
	return out
}

func timeoutFor(action string) time.Duration {
	if action == ipcproto.ActionLLMCall {
		return llmTimeout()
	}
	return 30 * time.Second
}

// llmTimeout is overridable via AX_LLM_TIMEOUT_MS; kept local to avoid an
// import cycle with internal/config (config imports nothing IPC-related,
// but ipc is the lower layer here).
var llmTimeoutOverride time.Duration

func llmTimeout() time.Duration {
	if llmTimeoutOverride > 0 {
		return llmTimeoutOverride
	}
	return 10 * time.Minute
}

// SetLLMTimeout overrides the llm_call action timeout.
func SetLLMTimeout(d time.Duration) { llmTimeoutOverride = d }

func (s *Server) recordAudit(event, action string, res audit.Result, start time.Time) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(audit.Entry{
		Action:     action,
		Result:     res,
		DurationMs: time.Since(start).Milliseconds(),
		Args:       map[string]interface{}{"event": event},
	})
}

// readFrame reads one 4-byte-length-prefixed frame, terminating the
// connection silently (returning io.EOF) if the declared length exceeds
// MaxFrameBytes, so an attacker-controlled length can never drive an
// oversize allocation.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [ipcproto.LengthPrefixBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > ipcproto.MaxFrameBytes {
		return nil, io.EOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, result ipcproto.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if len(data) > ipcproto.MaxFrameBytes {
		return errors.New("ipc: response frame too large")
	}
	var lenBuf [ipcproto.LengthPrefixBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
