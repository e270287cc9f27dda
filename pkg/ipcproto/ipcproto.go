// Package ipcproto defines the wire protocol shared between the host and
// the sandboxed agent process: frame sizing, action names, and the
// envelope/response shapes.
package ipcproto

// ProtocolVersion identifies the IPC wire format. Bump on any
// incompatible change to framing or envelope shape.
const ProtocolVersion = 1

// MaxFrameBytes is the hard cap on a single IPC frame (length prefix +
// body). Frames larger than this terminate the connection rather than
// returning an error frame; silent termination avoids allocating
// attacker-controlled buffer sizes.
const MaxFrameBytes = 10 << 20 // 10 MiB

// LengthPrefixBytes is the size of the frame length header: a 4-byte
// big-endian unsigned integer.
const LengthPrefixBytes = 4

// Action names. One entry per IPC handler in internal/ipc/handlers.
// Any action not listed here is rejected during envelope validation,
// before schema validation even runs.
const (
	ActionLLMCall = "llm_call"

	ActionMemoryWrite  = "memory_write"
	ActionMemoryQuery  = "memory_query"
	ActionMemoryRead   = "memory_read"
	ActionMemoryDelete = "memory_delete"
	ActionMemoryList   = "memory_list"

	ActionWebFetch  = "web_fetch"
	ActionWebSearch = "web_search"

	ActionBrowserOpen  = "browser_open"
	ActionBrowserClick = "browser_click"
	ActionBrowserType  = "browser_type"
	ActionBrowserClose = "browser_close"

	ActionSkillPropose = "skill_propose"

	ActionIdentityWrite = "identity_write"
	ActionUserWrite     = "user_write"

	ActionAgentDelegate = "agent_delegate"

	ActionSchedulerAddCron    = "scheduler_add_cron"
	ActionSchedulerRunAt      = "scheduler_run_at"
	ActionSchedulerRemoveCron = "scheduler_remove_cron"
	ActionSchedulerListJobs   = "scheduler_list_jobs"

	ActionAuditQuery = "audit_query"
)

// ValidActions is the static allowlist consulted during envelope
// validation (spec: IPC Gateway dispatch step 2).
var ValidActions = map[string]bool{
	ActionLLMCall:             true,
	ActionMemoryWrite:         true,
	ActionMemoryQuery:         true,
	ActionMemoryRead:          true,
	ActionMemoryDelete:        true,
	ActionMemoryList:          true,
	ActionWebFetch:            true,
	ActionWebSearch:           true,
	ActionBrowserOpen:         true,
	ActionBrowserClick:        true,
	ActionBrowserType:         true,
	ActionBrowserClose:        true,
	ActionSkillPropose:        true,
	ActionIdentityWrite:       true,
	ActionUserWrite:           true,
	ActionAgentDelegate:       true,
	ActionSchedulerAddCron:    true,
	ActionSchedulerRunAt:      true,
	ActionSchedulerRemoveCron: true,
	ActionSchedulerListJobs:   true,
	ActionAuditQuery:          true,
}

// IdentityMutationActions are exempt from the generic taint gate:
// identity_write/user_write run their own queuing state machine that
// folds the taint check in.
var IdentityMutationActions = map[string]bool{
	ActionIdentityWrite: true,
	ActionUserWrite:     true,
}

// Envelope is the minimal request shape every IPC frame must satisfy
// before action-specific schema validation runs.
type Envelope struct {
	Action string `json:"action"`
}

// Result is what a handler returns on success: its fields are flattened
// into the top-level response object alongside "ok", not nested under an
// envelope.
type Result map[string]interface{}

