// Package router implements the inbound/outbound message pipeline:
// scan, taint-account, canary-issue (inbound) and scan/canary-check
// (outbound), before/after a message crosses into or out of the
// sandboxed agent.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/queue"
	"github.com/axrunhq/ax/internal/scanner"
	"github.com/axrunhq/ax/internal/taint"
)

// Inbound is a message entering the system from a channel or the HTTP
// surface, before it reaches the sandboxed agent.
type Inbound struct {
	SessionID string
	Sender    string
	Channel   string
	Content   string
	// External marks content as originating outside the user's direct
	// input (e.g. a third-party channel message, a tool/web result
	// relayed back in); it counts toward the session's tainted bytes.
	// Direct end-user input leaves this false.
	External bool
}

// Outbound is a message the sandboxed agent produced, before it is
// delivered back out through a channel or HTTP response.
type Outbound struct {
	SessionID string
	Content   string
}

// Decision is the result of routing a message through the pipeline.
type Decision struct {
	Allow        bool
	Verdict      scanner.Verdict
	Reason       string
	QueueID      string // set for inbound messages accepted onto the queue
	CanaryTok    string // set for inbound messages, to later verify on output
	CanaryLeaked bool   // set for outbound messages whose content contained the session canary
}

// Router composes the scanner, taint budget and durable queue into the
// combined inbound/outbound pipeline.
type Router struct {
	scanner scanner.Scanner
	budget  *taint.Budget
	queue   *queue.Queue
	audit   *audit.Log

	mu       sync.Mutex
	canaries map[string]string // sessionID -> outstanding canary token
}

// New builds a Router from its constituent components. audit may be nil
// to disable audit recording (e.g. in tests).
func New(s scanner.Scanner, b *taint.Budget, q *queue.Queue, a *audit.Log) *Router {
	return &Router{
		scanner:  s,
		budget:   b,
		queue:    q,
		audit:    a,
		canaries: make(map[string]string),
	}
}

// ProcessInbound scans incoming content, records its taint, issues a
// fresh canary token for the session, and (if not blocked) enqueues it
// onto the durable queue for delivery to the sandboxed agent.
func (r *Router) ProcessInbound(ctx context.Context, in Inbound) (Decision, error) {
	start := time.Now()
	result := r.scanner.ScanInput(in.Content)

	r.budget.RecordContent(in.SessionID, in.Content, in.External)

	dec := Decision{Verdict: result.Verdict, Reason: result.Reason}

	if result.Verdict == scanner.BLOCK {
		dec.Allow = false
		r.record(in.SessionID, "inbound", in.Content, audit.ResultBlocked, start)
		return dec, nil
	}

	token := r.scanner.Canary()
	r.mu.Lock()
	r.canaries[in.SessionID] = token
	r.mu.Unlock()

	// The canary sentinel is appended only to the persisted/queued form.
	// The user never sees it, and it rides along so an LLM-level
	// exfiltration attempt surfaces it verbatim in output.
	tagged := in.Content + canarySentinel(token)

	id, err := r.queue.Enqueue(in.SessionID, in.Sender, in.Channel, tagged)
	if err != nil {
		r.record(in.SessionID, "inbound", in.Content, audit.ResultError, start)
		return Decision{}, fmt.Errorf("router: enqueue: %w", err)
	}

	dec.Allow = true
	dec.QueueID = id
	dec.CanaryTok = token
	r.record(in.SessionID, "inbound", in.Content, audit.ResultSuccess, start)
	return dec, nil
}

// canarySentinel renders a canary token as a trailing HTML comment, kept
// out of band from any rendered content.
func canarySentinel(token string) string {
	return fmt.Sprintf("\n<!-- %s -->", token)
}

// ProcessOutbound scans agent-produced content before it leaves the
// system, and checks it against the session's outstanding canary token.
// Any output containing the canary is an exfiltration attempt and is
// always blocked, independent of scanner verdict.
func (r *Router) ProcessOutbound(ctx context.Context, out Outbound) (Decision, error) {
	start := time.Now()
	result := r.scanner.ScanOutput(out.Content)

	r.mu.Lock()
	token := r.canaries[out.SessionID]
	delete(r.canaries, out.SessionID) // one canary per inbound turn
	r.mu.Unlock()

	if token != "" && r.scanner.CheckCanary(out.Content, token) {
		dec := Decision{Allow: false, Verdict: scanner.BLOCK, Reason: "canary token detected in output", CanaryLeaked: true}
		r.record(out.SessionID, "outbound", out.Content, audit.ResultBlocked, start)
		return dec, nil
	}

	dec := Decision{Verdict: result.Verdict, Reason: result.Reason, Allow: result.Verdict != scanner.BLOCK}
	res := audit.ResultSuccess
	if !dec.Allow {
		res = audit.ResultBlocked
	}
	// Assistant content is trusted for taint accounting.
	r.budget.RecordContent(out.SessionID, out.Content, false)
	r.record(out.SessionID, "outbound", out.Content, res, start)
	return dec, nil
}

// CanaryFor returns the outstanding canary token for a session, if any.
func (r *Router) CanaryFor(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.canaries[sessionID]
	return tok, ok
}

func (r *Router) record(sessionID, action, content string, res audit.Result, start time.Time) {
	if r.audit == nil {
		return
	}
	_ = r.audit.Record(audit.Entry{
		Action:     action,
		SessionID:  sessionID,
		Args:       map[string]interface{}{"bytes": len(content)},
		Result:     res,
		DurationMs: time.Since(start).Milliseconds(),
	})
}
