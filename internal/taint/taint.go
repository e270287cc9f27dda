// Package taint implements the per-session taint budget: two counters
// and a small override set per session, each entry serialized with its
// own mutex rather than a single global lock.
package taint

import (
	"sync"
)

// Profile names a security policy preset.
type Profile string

const (
	ProfileParanoid Profile = "paranoid"
	ProfileBalanced Profile = "balanced"
	ProfileYOLO     Profile = "yolo"
)

// Thresholds maps each profile to its taint-ratio gate.
var Thresholds = map[Profile]float64{
	ProfileParanoid: 0.10,
	ProfileBalanced: 0.30,
	ProfileYOLO:     0.60,
}

func (p Profile) threshold() float64 {
	if t, ok := Thresholds[p]; ok {
		return t
	}
	return Thresholds[ProfileBalanced]
}

// SensitiveActions is the static allowlist of actions the budget gates.
// Kept in this package (rather than only in pkg/ipcproto) so taint.Budget
// has no import-time dependency on the IPC layer; internal/ipc wires the
// two together at startup.
var SensitiveActions = map[string]bool{
	"skill_propose":   true,
	"oauth_call":      true,
	"identity_write":  true,
	"user_write":      true,
	"web_fetch":       true,
	"web_search":      true,
	"agent_delegate":  true,
}

// CheckResult is the outcome of a checkAction call.
type CheckResult struct {
	Allowed   bool
	TaintRatio float64
	Threshold  float64
	Reason     string
}

type sessionState struct {
	mu          sync.Mutex
	totalBytes  int64
	taintedBytes int64
	overrides   map[string]bool
}

// Budget tracks taint state for every session in the process.
type Budget struct {
	profile  Profile
	sessions sync.Map // sessionID string -> *sessionState
}

// NewBudget creates a taint budget gated at the given profile's threshold.
func NewBudget(profile Profile) *Budget {
	return &Budget{profile: profile}
}

func (b *Budget) state(sessionID string) *sessionState {
	v, _ := b.sessions.LoadOrStore(sessionID, &sessionState{overrides: make(map[string]bool)})
	return v.(*sessionState)
}

// RecordContent accounts content bytes for a session, marking them
// tainted or not. Never decreases either counter except via Reset.
// Concurrent calls for the same session are serialized by the session's
// own mutex; a later CheckAction sees all content recorded before it.
func (b *Budget) RecordContent(sessionID string, content string, tainted bool) {
	st := b.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	n := int64(len(content))
	st.totalBytes += n
	if tainted {
		st.taintedBytes += n
	}
}

// CheckAction evaluates whether a sensitive action is allowed for a
// session: denied iff the action is sensitive,
// AND ratio >= threshold, AND the session has not been given an
// override for that action.
func (b *Budget) CheckAction(sessionID, action string) CheckResult {
	st := b.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ratio := taintRatio(st.totalBytes, st.taintedBytes)
	threshold := b.profile.threshold()

	if !SensitiveActions[action] {
		return CheckResult{Allowed: true, TaintRatio: ratio, Threshold: threshold}
	}
	if st.overrides[action] {
		return CheckResult{Allowed: true, TaintRatio: ratio, Threshold: threshold}
	}
	if ratio >= threshold {
		return CheckResult{
			Allowed:    false,
			TaintRatio: ratio,
			Threshold:  threshold,
			Reason:     "taint ratio exceeds profile threshold for sensitive action",
		}
	}
	return CheckResult{Allowed: true, TaintRatio: ratio, Threshold: threshold}
}

// AddUserOverride records that a human has explicitly approved action for
// sessionID, exempting it from future taint gating within the session.
func (b *Budget) AddUserOverride(sessionID, action string) {
	st := b.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.overrides[action] = true
}

// State is a point-in-time snapshot returned by GetState.
type State struct {
	TotalBytes   int64
	TaintedBytes int64
	TaintRatio   float64
	Overrides    []string
}

// GetState snapshots a session's current taint counters.
func (b *Budget) GetState(sessionID string) State {
	st := b.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	overrides := make([]string, 0, len(st.overrides))
	for a := range st.overrides {
		overrides = append(overrides, a)
	}
	return State{
		TotalBytes:   st.totalBytes,
		TaintedBytes: st.taintedBytes,
		TaintRatio:   taintRatio(st.totalBytes, st.taintedBytes),
		Overrides:    overrides,
	}
}

// Reset clears a session's taint counters and overrides, e.g. on session
// expiry/workspace GC.
func (b *Budget) Reset(sessionID string) {
	b.sessions.Store(sessionID, &sessionState{overrides: make(map[string]bool)})
}

func taintRatio(total, tainted int64) float64 {
	if total <= 0 {
		return float64(tainted) / 1.0
	}
	return float64(tainted) / float64(total)
}
