// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/runq/internal/connectors"
)

// waitDelay bounds how long Execute waits for output pipes after the
// process is killed.
const waitDelay = 5 * time.Second

// anyArgs marks a command whose arguments are not restricted.
var anyArgs = []string{}

// defaultAllowlist holds the coding-agent CLIs and the read-only git
// subcommands the executor needs.
func defaultAllowlist() map[string][]string {
	return map[string][]string{
		"claude": anyArgs,
		"codex":  anyArgs,
		"gemini": anyArgs,
		"aider":  anyArgs,
		"git":    {"diff", "status"},
	}
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string

	mu      sync.RWMutex
	allowed map[string][]string
}

// New creates a new LocalExec connector.
func New(workDir string) *LocalExec {
	return &LocalExec{workDir: workDir, allowed: defaultAllowlist()}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// WorkDir returns the directory commands run in.
func (l *LocalExec) WorkDir() string {
	return l.workDir
}

// Allow adds cmd to the allowlist. With no subcommands any arguments are
// accepted.
func (l *LocalExec) Allow(cmd string, subcmds ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(subcmds) == 0 {
		l.allowed[commandName(cmd)] = anyArgs
		return
	}
	l.allowed[commandName(cmd)] = append([]string(nil), subcmds...)
}

// IsAllowed checks if a command is in the allowlist. Commands are matched by
// base name so absolute paths from PATH lookups work.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	l.mu.RLock()
	allowedSubcmds, ok := l.allowed[commandName(cmd)]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string, stdin string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	execCmd.WaitDelay = waitDelay
	if stdin != "" {
		execCmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("exec %s: %w", cmd, ctxErr)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		WorkDir:  execCmd.Dir,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}, nil
}

func commandName(cmd string) string {
	name := filepath.Base(cmd)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
