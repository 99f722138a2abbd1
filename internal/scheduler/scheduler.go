package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fentz26/runq/internal/audit"
	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
)

// ErrAlreadyRunning is returned by Start on a running poller.
var ErrAlreadyRunning = errors.New("poller already running")

// TaskQueue is the part of the queue the poller drives.
type TaskQueue interface {
	Namespace() string
	Claim(ctx context.Context) (queue.ClaimResult, error)
	FinishRunning(ctx context.Context, taskID string, status models.TaskStatus, errorMessage, output string) (queue.StatusUpdateResult, error)
	RecoverStaleTasks(ctx context.Context, maxAge time.Duration) (int, error)
	UpdateRunnerHeartbeat(ctx context.Context, runnerID, projectRoot string) error
	MarkRunnerStopped(ctx context.Context, runnerID string) error
}

// ExecutorResult is what an executor reports for a task. Status must be
// COMPLETE or ERROR.
type ExecutorResult struct {
	Status       models.TaskStatus
	ErrorMessage string
	Output       string
}

// Executor runs one claimed task. Ordinary task failure should be reported
// as an ERROR result; returned errors and panics are also persisted as ERROR.
type Executor func(ctx context.Context, item models.QueueItem) (ExecutorResult, error)

// PollOutcome is what a single Poll did.
type PollOutcome string

const (
	PollBusy           PollOutcome = "busy"
	PollNoTask         PollOutcome = "no-task"
	PollAlreadyClaimed PollOutcome = "already-claimed"
	PollClaimed        PollOutcome = "claimed"
	PollError          PollOutcome = "error"
)

// Options carries optional collaborators.
type Options struct {
	Logger   *slog.Logger
	Recorder *audit.Recorder
}

// Poller claims tasks on a fixed interval and executes at most one at a time.
type Poller struct {
	queue TaskQueue
	exec  Executor
	cfg   Config
	log   *slog.Logger
	pdr   *audit.Recorder

	mu       sync.Mutex
	busy     bool
	inFlight *models.QueueItem
	running  bool
	cancel   context.CancelFunc

	loopWG sync.WaitGroup
	execWG sync.WaitGroup

	emitMu  sync.Mutex
	subsMu  sync.Mutex
	subs    []subscription
	nextSub int
}

// New creates a poller. A nil cfg uses DefaultConfig.
func New(q TaskQueue, exec Executor, cfg *Config, opts Options) *Poller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := cfg.withDefaults()
	return &Poller{
		queue: q,
		exec:  exec,
		cfg:   c,
		log:   log.With("runner_id", c.RunnerID, "namespace", q.Namespace()),
		pdr:   opts.Recorder,
	}
}

// RunnerID returns the id this poller heartbeats as.
func (p *Poller) RunnerID() string {
	return p.cfg.RunnerID
}

// Running reports whether Start has been called without a matching Stop.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// InFlight returns a copy of the task being executed, or nil.
func (p *Poller) InFlight() *models.QueueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil {
		return nil
	}
	item := p.inFlight.Clone()
	return &item
}

// Start recovers stale tasks and begins polling.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	p.recoverStale(ctx)
	p.emit(Event{Type: EventStarted})
	p.log.Info("poller started", "interval", p.cfg.Interval)

	p.loopWG.Add(1)
	go p.loop(loopCtx)
	return nil
}

// Stop ends polling, waits for the in-flight task (bounded by ctx) and marks
// the runner STOPPED. The in-flight executor is never interrupted.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.loopWG.Wait()
	waitErr := p.waitCtx(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stopCancel()
	if err := p.queue.MarkRunnerStopped(stopCtx, p.cfg.RunnerID); err != nil {
		p.log.Warn("mark runner stopped failed", "error", err)
		p.emit(Event{Type: EventError, Stage: StageStop, Message: err.Error()})
	}

	p.emit(Event{Type: EventStopped})
	p.log.Info("poller stopped")
	return waitErr
}

// Wait blocks until no execution is in flight.
func (p *Poller) Wait() {
	p.execWG.Wait()
}

func (p *Poller) waitCtx(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight task: %w", ctx.Err())
	}
}

// loop polls immediately, then on every tick.
func (p *Poller) loop(ctx context.Context) {
	defer p.loopWG.Done()

	p.Poll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

func (p *Poller) recoverStale(ctx context.Context) {
	n, err := p.queue.RecoverStaleTasks(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.log.Warn("stale task recovery failed", "error", err)
		p.emit(Event{Type: EventError, Stage: StageRecover, Message: err.Error()})
		return
	}
	if n > 0 {
		p.log.Info("recovered stale tasks", "count", n)
	}
	p.emit(Event{Type: EventStaleRecovered, Count: n})
}

// Poll runs one cycle: heartbeat, then claim and dispatch unless a task is
// already in flight. Execution continues in the background; use Wait to
// block until it finishes.
func (p *Poller) Poll(ctx context.Context) PollOutcome {
	p.emit(Event{Type: EventPoll})

	if err := p.queue.UpdateRunnerHeartbeat(ctx, p.cfg.RunnerID, p.cfg.ProjectRoot); err != nil {
		p.log.Warn("heartbeat failed", "error", err)
		p.emit(Event{Type: EventError, Stage: StageHeartbeat, Message: err.Error()})
	}

	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return PollBusy
	}
	p.busy = true
	p.mu.Unlock()

	res, err := p.queue.Claim(ctx)
	switch {
	case err != nil:
		p.release()
		p.log.Error("claim failed", "error", err)
		p.emit(Event{Type: EventError, Stage: StageClaim, Message: err.Error()})
		return PollError
	case res.Empty:
		p.release()
		p.emit(Event{Type: EventNoTask})
		return PollNoTask
	case !res.Success:
		p.release()
		p.emit(Event{Type: EventAlreadyClaimed})
		return PollAlreadyClaimed
	}

	item := *res.Item
	p.mu.Lock()
	p.inFlight = &item
	p.mu.Unlock()

	p.pdr.Record(ctx, "task.claim", map[string]any{
		"task_id":   item.TaskID,
		"runner_id": p.cfg.RunnerID,
	}, "success", item.TaskID, fmt.Sprintf("Claimed by runner %s", p.cfg.RunnerID))
	p.log.Info("claimed task", "task_id", item.TaskID, "task_group_id", item.TaskGroupID)
	p.emit(Event{Type: EventClaimed, TaskID: item.TaskID, Status: models.StatusRunning})

	p.execWG.Add(1)
	go p.execute(context.WithoutCancel(ctx), item)
	return PollClaimed
}

func (p *Poller) release() {
	p.mu.Lock()
	p.busy = false
	p.inFlight = nil
	p.mu.Unlock()
}

// execute runs the executor and writes its outcome back unless the task left
// RUNNING meanwhile. The in-flight marker is always cleared.
func (p *Poller) execute(ctx context.Context, item models.QueueItem) {
	defer p.execWG.Done()
	defer p.release()

	start := time.Now()
	status, errMsg, output := p.run(ctx, item)
	elapsed := time.Since(start)

	res, err := p.queue.FinishRunning(ctx, item.TaskID, status, errMsg, output)
	if err != nil {
		p.log.Error("write task outcome failed", "task_id", item.TaskID, "status", status, "error", err)
		p.emit(Event{Type: EventError, Stage: StageUpdate, TaskID: item.TaskID, Status: status, Message: err.Error(), Duration: elapsed})
		return
	}
	if !res.Success {
		p.log.Warn("task outcome discarded", "task_id", item.TaskID, "status", status, "code", res.Error, "reason", res.Message)
		p.emit(Event{Type: EventError, Stage: StageUpdate, TaskID: item.TaskID, Status: status, Message: res.Message, Duration: elapsed})
		p.pdr.Record(ctx, "task.finish", map[string]any{
			"task_id":   item.TaskID,
			"runner_id": p.cfg.RunnerID,
			"status":    status,
		}, "discarded", item.TaskID, res.Message)
		return
	}

	p.pdr.Record(ctx, "task.finish", map[string]any{
		"task_id":   item.TaskID,
		"runner_id": p.cfg.RunnerID,
		"status":    status,
	}, string(status), item.TaskID, errMsg)

	if status == models.StatusComplete {
		p.log.Info("task completed", "task_id", item.TaskID, "duration", elapsed)
		p.emit(Event{Type: EventCompleted, TaskID: item.TaskID, Status: status, Duration: elapsed})
		return
	}
	p.log.Warn("task failed", "task_id", item.TaskID, "error", errMsg, "duration", elapsed)
	p.emit(Event{Type: EventError, Stage: StageExecute, TaskID: item.TaskID, Status: status, Message: errMsg, Duration: elapsed})
}

// run invokes the executor and maps any failure to ERROR.
func (p *Poller) run(ctx context.Context, item models.QueueItem) (status models.TaskStatus, errMsg, output string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("executor panicked", "task_id", item.TaskID, "panic", r, "stack", string(debug.Stack()))
			status, errMsg, output = models.StatusError, fmt.Sprintf("executor panicked: %v", r), ""
		}
	}()

	res, err := p.exec(ctx, item)
	if err != nil {
		return models.StatusError, err.Error(), res.Output
	}
	switch res.Status {
	case models.StatusComplete:
		return res.Status, "", res.Output
	case models.StatusError:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "executor reported an error"
		}
		return res.Status, msg, res.Output
	default:
		return models.StatusError, fmt.Sprintf("executor returned unsupported status %q", res.Status), res.Output
	}
}
