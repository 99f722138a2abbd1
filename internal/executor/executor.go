// Package executor runs claimed tasks through a coding-agent CLI under
// per-execution resource limits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/runq/internal/connectors"
	"github.com/fentz26/runq/internal/limits"
	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/scheduler"
)

// maxOutput caps the stdout kept on the task record.
const maxOutput = 64 << 10

// gitTimeout bounds the change-detection git calls.
const gitTimeout = 10 * time.Second

// Config selects the agent command and the limits applied to each run.
type Config struct {
	Command  string
	Args     []string
	Limits   limits.Limits
	Parallel limits.ParallelLimits
	// Now overrides the limit timer's clock.
	Now func() time.Time
}

// Agent executes tasks by invoking Command with Args followed by the prompt.
//
// Parallel slots are shared by every Execute call on one Agent, so pollers
// sharing an Agent are capped at Parallel.Executors concurrent runs. File,
// test and time limits are tracked per task.
type Agent struct {
	conn connectors.Connector
	cfg  Config
	log  *slog.Logger

	slotsMu sync.Mutex
	slots   *limits.Manager
}

// New validates cfg and returns an Agent.
func New(conn connectors.Connector, cfg Config, log *slog.Logger) (*Agent, error) {
	if cfg.Command == "" {
		return nil, errors.New("executor command is required")
	}
	if !conn.IsAllowed(cfg.Command, cfg.Args) {
		return nil, fmt.Errorf("executor command %q is not allowed by connector %s", cfg.Command, conn.Name())
	}
	slots, err := limits.New(cfg.Limits, cfg.Parallel)
	if err != nil {
		return nil, fmt.Errorf("executor limits: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		conn:  conn,
		cfg:   cfg,
		log:   log.With("component", "executor", "command", cfg.Command),
		slots: slots,
	}, nil
}

// Executor returns the agent as a scheduler.Executor.
func (a *Agent) Executor() scheduler.Executor {
	return a.Execute
}

// Execute runs one task. Agent failures and limit violations are reported
// as ERROR results; only connector failures are returned as errors.
func (a *Agent) Execute(ctx context.Context, item models.QueueItem) (scheduler.ExecutorResult, error) {
	m, err := limits.New(a.cfg.Limits, a.cfg.Parallel)
	if err != nil {
		return scheduler.ExecutorResult{}, err
	}
	if a.cfg.Now != nil {
		m.SetClock(a.cfg.Now)
	}
	if err := a.acquireSlot(item.TaskID); err != nil {
		return failed("executor slot unavailable: %v", err), nil
	}
	defer a.releaseSlot(item.TaskID)

	log := a.log.With("task_id", item.TaskID)
	baseline := a.changedFiles(ctx)

	m.StartTimer()
	runCtx, cancel := context.WithTimeout(ctx, m.RemainingTime())
	defer cancel()

	args := append(append([]string(nil), a.cfg.Args...), item.Prompt)
	log.Info("running agent", "max_seconds", a.cfg.Limits.MaxSeconds)
	res, err := a.conn.Execute(runCtx, a.cfg.Command, args, "")
	if errors.Is(err, context.DeadlineExceeded) {
		m.CheckTimeLimit()
		return failed("time limit exceeded: task ran past max_seconds=%d", a.cfg.Limits.MaxSeconds), nil
	}
	if err != nil {
		return scheduler.ExecutorResult{}, fmt.Errorf("run %s: %w", a.cfg.Command, err)
	}

	output := tail(res.Stdout, maxOutput)
	if v := a.checkFiles(ctx, m, baseline); v != nil {
		log.Warn("file limit exceeded", "limit", v.Limit, "attempted", v.Attempted)
		r := failed("file limit exceeded: %d files changed, max_files=%d", v.Attempted, v.Limit)
		r.Output = output
		return r, nil
	}
	if r := m.CheckTimeLimit(); !r.Allowed {
		out := failed("time limit exceeded: ran %ds, max_seconds=%d", r.Violation.Attempted, r.Violation.Limit)
		out.Output = output
		return out, nil
	}
	if res.ExitCode != 0 {
		r := failed("agent exited with code %d: %s", res.ExitCode, lastLine(res.Stderr))
		r.Output = output
		return r, nil
	}

	u := m.Usage()
	log.Info("agent finished", "files", u.Files, "elapsed_seconds", u.ElapsedSeconds, "duration", res.Duration)
	return scheduler.ExecutorResult{Status: models.StatusComplete, Output: output}, nil
}

func (a *Agent) acquireSlot(taskID string) error {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()
	return a.slots.StartExecutor(taskID)
}

func (a *Agent) releaseSlot(taskID string) {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()
	a.slots.EndExecutor(taskID)
}

// ActiveExecutions is the number of tasks currently holding a slot.
func (a *Agent) ActiveExecutions() int {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()
	return a.slots.ActiveExecutors()
}

// checkFiles records every path changed since baseline and returns the
// first violation.
func (a *Agent) checkFiles(ctx context.Context, m *limits.Manager, baseline map[string]bool) *limits.Violation {
	after := a.changedFiles(ctx)
	paths := make([]string, 0, len(after))
	for p := range after {
		if !baseline[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var first *limits.Violation
	for _, p := range paths {
		if r := m.CheckAndRecordFileOperation(p); !r.Allowed && first == nil {
			first = r.Violation
		}
	}
	if first != nil {
		first.Attempted = len(paths)
	}
	return first
}

// changedFiles lists modified and untracked paths in the working tree. It
// returns an empty set outside a git repository.
func (a *Agent) changedFiles(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	out := make(map[string]bool)
	diff, err := a.conn.Execute(ctx, "git", []string{"diff", "--name-only", "HEAD"}, "")
	if err != nil || diff.ExitCode != 0 {
		a.log.Debug("git diff unavailable; file limit not enforced", "error", err)
		return out
	}
	for _, line := range strings.Split(diff.Stdout, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			out[p] = true
		}
	}

	status, err := a.conn.Execute(ctx, "git", []string{"status", "--porcelain"}, "")
	if err != nil || status.ExitCode != 0 {
		return out
	}
	for _, line := range strings.Split(status.Stdout, "\n") {
		if strings.HasPrefix(line, "?? ") {
			out[strings.TrimSpace(line[3:])] = true
		}
	}
	return out
}

func failed(format string, args ...any) scheduler.ExecutorResult {
	return scheduler.ExecutorResult{Status: models.StatusError, ErrorMessage: fmt.Sprintf(format, args...)}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no stderr output"
	}
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
