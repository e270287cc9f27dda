// Package sandbox implements the per-message agent spawn lifecycle:
// workspace materialization, skill snapshot refresh, history assembly,
// process spawn, concurrent stdout/stderr drain, and exit-code handling.
// The spawn mechanism itself is pluggable; subprocess and container
// providers both satisfy the same Provider contract.
package sandbox

import (
	"context"
	"io"
)

// SpawnSpec is the input to Provider.Spawn.
type SpawnSpec struct {
	Command    []string
	Workspace  string
	SkillsDir  string
	IPCSocket  string
	TimeoutSec int
	MemoryMB   int
	AgentDir   string
}

// Handle is a running agent process: its pipes and completion signal.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits, returning its exit code.
	Wait() (exitCode int, err error)
	Kill() error
}

// Provider spawns the in-sandbox agent process. Implementations never
// need to know about the message pipeline above them.
type Provider interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)
}
