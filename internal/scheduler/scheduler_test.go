package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/runq/internal/memstore"
	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/fentz26/runq/internal/queue/queuetest"
)

// eventLog collects poller events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) find(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == t {
			return e, true
		}
	}
	return Event{}, false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*queue.Queue, *queuetest.Clock) {
	t.Helper()
	clock := queuetest.NewClock()
	return queue.New(memstore.New("default"), queue.Options{Now: clock.Now, Logger: quietLogger()}), clock
}

func newTestPoller(q TaskQueue, exec Executor) (*Poller, *eventLog) {
	p := New(q, exec, &Config{Interval: 10 * time.Millisecond, RunnerID: "runner-1"}, Options{Logger: quietLogger()})
	log := &eventLog{}
	p.Subscribe(log.handle)
	return p, log
}

func enqueue(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	if _, err := q.Enqueue(context.Background(), queue.EnqueueRequest{TaskID: id, Prompt: "do " + id, TaskGroupID: "g"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func status(t *testing.T, q *queue.Queue, id string) *models.QueueItem {
	t.Helper()
	item, err := q.GetItem(context.Background(), id, "")
	if err != nil || item == nil {
		t.Fatalf("GetItem(%s) = %v, %v", id, item, err)
	}
	return item
}

func complete(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
	return ExecutorResult{Status: models.StatusComplete, Output: "done " + item.TaskID}, nil
}

func TestPollClaimsAndCompletes(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueue(t, q, "task-1")

	p, log := newTestPoller(q, complete)

	if got := p.Poll(ctx); got != PollClaimed {
		t.Fatalf("Poll() = %s, want %s", got, PollClaimed)
	}
	p.Wait()

	item := status(t, q, "task-1")
	if item.Status != models.StatusComplete {
		t.Errorf("Expected COMPLETE, got %s", item.Status)
	}
	if item.Output != "done task-1" {
		t.Errorf("Expected executor output to be stored, got %q", item.Output)
	}

	want := []EventType{EventPoll, EventClaimed, EventCompleted}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	r, err := q.GetRunner(ctx, "runner-1")
	if err != nil || r == nil {
		t.Fatalf("heartbeat not written: %v", err)
	}
	if p.InFlight() != nil {
		t.Error("in-flight marker not cleared")
	}
}

func TestPollNoTask(t *testing.T) {
	q, _ := newTestQueue(t)
	p, log := newTestPoller(q, complete)

	if got := p.Poll(context.Background()); got != PollNoTask {
		t.Fatalf("Poll() = %s, want %s", got, PollNoTask)
	}
	if _, ok := log.find(EventNoTask); !ok {
		t.Error("expected no-task event")
	}
}

func TestInFlightExclusivity(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueue(t, q, "task-1")
	enqueue(t, q, "task-2")

	release := make(chan struct{})
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	exec := func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return ExecutorResult{Status: models.StatusComplete}, nil
	}
	p, _ := newTestPoller(q, exec)

	if got := p.Poll(ctx); got != PollClaimed {
		t.Fatalf("first Poll() = %s, want %s", got, PollClaimed)
	}
	for i := 0; i < 3; i++ {
		if got := p.Poll(ctx); got != PollBusy {
			t.Fatalf("Poll() while in flight = %s, want %s", got, PollBusy)
		}
	}
	inFlight := p.InFlight()
	if inFlight == nil || inFlight.TaskID != "task-1" {
		t.Fatalf("InFlight() = %v, want task-1", inFlight)
	}
	if s := status(t, q, "task-2").Status; s != models.StatusQueued {
		t.Errorf("second task must stay QUEUED while one is in flight, got %s", s)
	}

	close(release)
	p.Wait()

	if got := p.Poll(ctx); got != PollClaimed {
		t.Fatalf("Poll() after completion = %s, want %s", got, PollClaimed)
	}
	p.Wait()

	if maxSeen != 1 {
		t.Errorf("executor ran %d tasks concurrently", maxSeen)
	}
}

func TestExecutorFailuresForceError(t *testing.T) {
	tests := []struct {
		name    string
		exec    Executor
		wantMsg string
	}{
		{
			name: "returned error",
			exec: func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
				return ExecutorResult{}, errors.New("agent exited with code 2")
			},
			wantMsg: "agent exited with code 2",
		},
		{
			name: "panic",
			exec: func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
				panic("boom")
			},
			wantMsg: "executor panicked: boom",
		},
		{
			name: "error result",
			exec: func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
				return ExecutorResult{Status: models.StatusError, ErrorMessage: "tests failed"}, nil
			},
			wantMsg: "tests failed",
		},
		{
			name: "unsupported status",
			exec: func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
				return ExecutorResult{Status: models.StatusQueued}, nil
			},
			wantMsg: `executor returned unsupported status "QUEUED"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q, _ := newTestQueue(t)
			enqueue(t, q, "task-1")
			p, log := newTestPoller(q, tt.exec)

			if got := p.Poll(ctx); got != PollClaimed {
				t.Fatalf("Poll() = %s, want %s", got, PollClaimed)
			}
			p.Wait()

			item := status(t, q, "task-1")
			if item.Status != models.StatusError {
				t.Errorf("Expected ERROR, got %s", item.Status)
			}
			if item.ErrorMessage != tt.wantMsg {
				t.Errorf("ErrorMessage = %q, want %q", item.ErrorMessage, tt.wantMsg)
			}
			e, ok := log.find(EventError)
			if !ok || e.Stage != StageExecute || e.TaskID != "task-1" {
				t.Errorf("expected execute error event, got %+v", e)
			}
			if p.InFlight() != nil {
				t.Error("in-flight marker not cleared after failure")
			}
		})
	}
}

// fakeQueue scripts claim results and heartbeat failures.
type fakeQueue struct {
	mu           sync.Mutex
	claims       []queue.ClaimResult
	heartbeatErr error
	heartbeats   int
	stopped      []string
	updates      map[string]models.TaskStatus
}

func (f *fakeQueue) Namespace() string { return "fake" }

func (f *fakeQueue) Claim(ctx context.Context) (queue.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claims) == 0 {
		return queue.ClaimResult{Empty: true}, nil
	}
	res := f.claims[0]
	f.claims = f.claims[1:]
	return res, nil
}

func (f *fakeQueue) FinishRunning(ctx context.Context, taskID string, status models.TaskStatus, errorMessage, output string) (queue.StatusUpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]models.TaskStatus)
	}
	f.updates[taskID] = status
	return queue.StatusUpdateResult{Success: true}, nil
}

func (f *fakeQueue) RecoverStaleTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, errors.New("recovery unavailable")
}

func (f *fakeQueue) UpdateRunnerHeartbeat(ctx context.Context, runnerID, projectRoot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeQueue) MarkRunnerStopped(ctx context.Context, runnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runnerID)
	return nil
}

func TestAlreadyClaimedAndHeartbeatFailure(t *testing.T) {
	ctx := context.Background()
	fq := &fakeQueue{
		claims: []queue.ClaimResult{
			{Success: false},
			{Success: true, Item: &models.QueueItem{TaskID: "won", Status: models.StatusRunning}},
		},
		heartbeatErr: errors.New("disk full"),
	}
	p, log := newTestPoller(fq, complete)

	if got := p.Poll(ctx); got != PollAlreadyClaimed {
		t.Fatalf("Poll() = %s, want %s", got, PollAlreadyClaimed)
	}
	if got := p.Poll(ctx); got != PollClaimed {
		t.Fatalf("Poll() = %s, want %s (heartbeat failure must not block scheduling)", got, PollClaimed)
	}
	p.Wait()

	if fq.updates["won"] != models.StatusComplete {
		t.Errorf("Expected won task COMPLETE, got %s", fq.updates["won"])
	}
	if _, ok := log.find(EventAlreadyClaimed); !ok {
		t.Error("expected already-claimed event")
	}
	e, ok := log.find(EventError)
	if !ok || e.Stage != StageHeartbeat {
		t.Errorf("expected heartbeat error event, got %+v", e)
	}
}

func TestStartRecoversStaleAndStopMarksRunner(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	enqueue(t, q, "orphan")
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	clock.Advance(6 * time.Minute)
	enqueue(t, q, "fresh")

	done := make(chan string, 1)
	p, log := newTestPoller(q, complete)
	p.Subscribe(func(e Event) {
		if e.Type == EventCompleted {
			done <- e.TaskID
		}
	})

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	select {
	case id := <-done:
		if id != "fresh" {
			t.Errorf("completed %s, want fresh", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the poller to complete a task")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if s := status(t, q, "orphan").Status; s != models.StatusError {
		t.Errorf("orphaned task should be recovered to ERROR, got %s", s)
	}
	e, ok := log.find(EventStaleRecovered)
	if !ok || e.Count != 1 {
		t.Errorf("stale-recovered event = %+v, want count 1", e)
	}

	types := log.types()
	if types[0] != EventStaleRecovered || types[1] != EventStarted {
		t.Errorf("recovery must precede started, got %v", types[:2])
	}
	if types[len(types)-1] != EventStopped {
		t.Errorf("last event = %s, want stopped", types[len(types)-1])
	}

	r, err := q.GetRunner(ctx, "runner-1")
	if err != nil || r == nil {
		t.Fatalf("GetRunner failed: %v", err)
	}
	if r.Status != models.RunnerStopped {
		t.Errorf("runner status = %s, want STOPPED", r.Status)
	}
	if p.Running() {
		t.Error("poller still running after Stop")
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	fq := &fakeQueue{claims: []queue.ClaimResult{
		{Success: true, Item: &models.QueueItem{TaskID: "slow", Status: models.StatusRunning}},
	}}
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
		close(started)
		<-release
		return ExecutorResult{Status: models.StatusComplete}, nil
	}
	p, _ := newTestPoller(fq, exec)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() with a running task = %v, want deadline exceeded", err)
	}

	close(release)
	p.Wait()
	if fq.updates["slow"] != models.StatusComplete {
		t.Errorf("in-flight task must still finish after Stop, got %s", fq.updates["slow"])
	}
	if len(fq.stopped) != 1 || fq.stopped[0] != "runner-1" {
		t.Errorf("runner not marked stopped: %v", fq.stopped)
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	q, _ := newTestQueue(t)
	enqueue(t, q, "task-1")
	p, log := newTestPoller(q, complete)

	unsubscribe := p.Subscribe(func(e Event) { panic("bad subscriber") })
	if got := p.Poll(context.Background()); got != PollClaimed {
		t.Fatalf("Poll() = %s, want %s", got, PollClaimed)
	}
	p.Wait()
	if _, ok := log.find(EventCompleted); !ok {
		t.Error("other subscribers must still receive events")
	}

	unsubscribe()
	unsubscribe()
	before := len(log.types())
	p.Poll(context.Background())
	if len(log.types()) == before {
		t.Error("remaining subscriber stopped receiving events")
	}
}

func TestNewRunnerID(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-z]+-[0-9a-z]{6}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunnerID()
		if !pattern.MatchString(id) {
			t.Fatalf("runner id %q has unexpected format", id)
		}
		if seen[id] {
			t.Fatalf("duplicate runner id %q", id)
		}
		seen[id] = true
	}

	p := New(&fakeQueue{}, complete, &Config{}, Options{Logger: quietLogger()})
	if p.RunnerID() == "" {
		t.Error("runner id not generated")
	}
}

// blockingExecutor completes a task only after release is closed.
func blockingExecutor(started chan<- struct{}, release <-chan struct{}) Executor {
	return func(ctx context.Context, item models.QueueItem) (ExecutorResult, error) {
		close(started)
		<-release
		return ExecutorResult{Status: models.StatusComplete, Output: "late"}, nil
	}
}

func TestCancelWhileRunningIsKept(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueue(t, q, "task-1")

	started, release := make(chan struct{}), make(chan struct{})
	p, log := newTestPoller(q, blockingExecutor(started, release))

	if got := p.Poll(ctx); got != PollClaimed {
		t.Fatalf("Poll() = %s, want %s", got, PollClaimed)
	}
	<-started

	res, err := q.UpdateStatusWithValidation(ctx, "task-1", models.StatusCancelled)
	if err != nil || !res.Success {
		t.Fatalf("cancel RUNNING task = %+v, %v", res, err)
	}
	close(release)
	p.Wait()

	item := status(t, q, "task-1")
	if item.Status != models.StatusCancelled {
		t.Errorf("Expected CANCELLED to survive the late outcome, got %s", item.Status)
	}
	if item.Output == "late" {
		t.Error("late executor output must not be written to a cancelled task")
	}
	e, ok := log.find(EventError)
	if !ok || e.Stage != StageUpdate || e.TaskID != "task-1" {
		t.Errorf("expected update error event for task-1, got %+v", e)
	}
	if _, ok := log.find(EventCompleted); ok {
		t.Error("completed event emitted for a discarded outcome")
	}
}

func TestStaleRecoveredWhileRunningIsKept(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	enqueue(t, q, "task-1")

	started, release := make(chan struct{}), make(chan struct{})
	p, log := newTestPoller(q, blockingExecutor(started, release))

	if got := p.Poll(ctx); got != PollClaimed {
		t.Fatalf("Poll() = %s, want %s", got, PollClaimed)
	}
	<-started

	// Another runner recovers the slow task.
	clock.Advance(6 * time.Minute)
	n, err := q.RecoverStaleTasks(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStaleTasks = %d, %v", n, err)
	}
	close(release)
	p.Wait()

	item := status(t, q, "task-1")
	if item.Status != models.StatusError {
		t.Errorf("Expected recovered ERROR to survive the late outcome, got %s", item.Status)
	}
	if item.ErrorMessage == "" {
		t.Error("Expected the stale message to remain on the ERROR task")
	}
	e, ok := log.find(EventError)
	if !ok || e.Stage != StageUpdate {
		t.Errorf("expected update error event, got %+v", e)
	}
}
