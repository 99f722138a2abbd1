// Package connectors defines how runq runs external processes.
package connectors

import (
	"context"
	"time"
)

// ExecResult is one finished process. A non-zero exit is data, not an error.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	WorkDir  string        `json:"work_dir,omitempty"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Connector runs allowlisted commands on behalf of the executor.
type Connector interface {
	Name() string

	// Execute runs cmd with args, feeding stdin when non-empty. It returns an
	// error only when the process could not run to completion, including
	// cancellation of ctx.
	Execute(ctx context.Context, cmd string, args []string, stdin string) (*ExecResult, error)

	// IsAllowed reports whether cmd with args passes the allowlist.
	IsAllowed(cmd string, args []string) bool
}
