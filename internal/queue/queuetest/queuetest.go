// Package queuetest is a conformance suite every queue.Backend must pass.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a backend for namespace. Backends returned by one Opener
// share the same underlying data.
type Opener func(namespace string) queue.Backend

// Factory builds a fresh, empty substrate for one subtest.
type Factory func(t *testing.T) Opener

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	open  Opener
	clock *Clock
}

func (e *env) queue(namespace string) *queue.Queue {
	return queue.New(e.open(namespace), queue.Options{Now: e.clock.Now})
}

// Run executes the suite against the backends produced by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e *env)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"DuplicateTaskID", testDuplicateTaskID},
		{"ClaimOldestFirst", testClaimOldestFirst},
		{"ClaimTieBreaksByInsertion", testClaimTieBreak},
		{"ClaimEmpty", testClaimEmpty},
		{"CompareAndSwapGuard", testCompareAndSwapGuard},
		{"ConcurrentClaimsAtMostOnce", testConcurrentClaims},
		{"ValidatedTransitions", testValidatedTransitions},
		{"RejectedTransitionLeavesState", testRejectedTransitionLeavesState},
		{"AwaitAndResume", testAwaitAndResume},
		{"ReadsSortedAndScoped", testReadsSortedAndScoped},
		{"TaskGroups", testTaskGroups},
		{"Namespaces", testNamespaces},
		{"RecoverStaleTasks", testRecoverStaleTasks},
		{"RunnerHeartbeat", testRunnerHeartbeat},
		{"EnqueueClaimComplete", testEnqueueClaimComplete},
		{"FinishRunningGuard", testFinishRunningGuard},
		{"HeartbeatTimeoutOption", testHeartbeatTimeoutOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, &env{open: factory(t), clock: NewClock()})
		})
	}
}

func enqueue(t *testing.T, q *queue.Queue, id, group string) *models.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		SessionID:   "session-1",
		TaskGroupID: group,
		Prompt:      "prompt for " + id,
		TaskID:      id,
	})
	require.NoError(t, err)
	return item
}

func testEnqueueAndGet(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	item, err := q.Enqueue(ctx, queue.EnqueueRequest{
		SessionID:   "s1",
		TaskGroupID: "g1",
		Prompt:      "add a README",
		TaskType:    "IMPLEMENTATION",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, item.TaskID)
	assert.Equal(t, models.StatusQueued, item.Status)
	assert.Equal(t, "alpha", item.Namespace)
	assert.True(t, item.CreatedAt.Equal(e.clock.Now()))

	got, err := q.GetItem(ctx, item.TaskID, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "add a README", got.Prompt)
	assert.Equal(t, "g1", got.TaskGroupID)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "IMPLEMENTATION", got.TaskType)
	assert.True(t, got.CreatedAt.Equal(item.CreatedAt))

	missing, err := q.GetItem(ctx, "does-not-exist", "")
	require.NoError(t, err)
	assert.Nil(t, missing)

	other, err := q.GetItem(ctx, item.TaskID, "beta")
	require.NoError(t, err)
	assert.Nil(t, other, "items must not leak across namespaces")
}

func testDuplicateTaskID(t *testing.T, e *env) {
	ctx := context.Background()
	a := e.queue("alpha")
	b := e.queue("beta")

	enqueue(t, a, "task-1", "g")
	_, err := a.Enqueue(ctx, queue.EnqueueRequest{TaskID: "task-1", Prompt: "again"})
	require.ErrorIs(t, err, queue.ErrTaskExists)

	// The same id in another namespace is a different key.
	enqueue(t, b, "task-1", "g")
}

func testClaimOldestFirst(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	for _, id := range []string{"first", "second", "third"} {
		enqueue(t, q, id, "g")
		e.clock.Advance(time.Second)
	}

	for _, want := range []string{"first", "second", "third"} {
		res, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.NotNil(t, res.Item)
		assert.Equal(t, want, res.Item.TaskID)
		assert.Equal(t, models.StatusRunning, res.Item.Status)

		stored, err := q.GetItem(ctx, want, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, stored.Status)
	}
}

func testClaimTieBreak(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	for _, id := range []string{"b", "a", "c"} {
		enqueue(t, q, id, "g")
	}
	for _, want := range []string{"b", "a", "c"} {
		res, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, want, res.Item.TaskID)
	}
}

func testClaimEmpty(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	res, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Empty)

	// Queued items of another namespace are invisible.
	enqueue(t, e.queue("beta"), "other", "g")
	res, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Empty)
}

func testCompareAndSwapGuard(t *testing.T, e *env) {
	ctx := context.Background()
	b := e.open("alpha")
	q := queue.New(b, queue.Options{Now: e.clock.Now})
	item := enqueue(t, q, "task-1", "g")

	next := item.Clone()
	next.Status = models.StatusRunning
	ok, err := b.CompareAndSwap(ctx, next, models.StatusQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claimant observed QUEUED too late and must lose.
	ok, err = b.CompareAndSwap(ctx, next, models.StatusQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	missing := next
	missing.TaskID = "nope"
	ok, err = b.CompareAndSwap(ctx, missing, models.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentClaims(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")
	const items = 5
	for i := 0; i < items; i++ {
		enqueue(t, q, fmt.Sprintf("task-%d", i), "g")
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := q.Claim(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if res.Empty {
					return
				}
				if res.Success {
					mu.Lock()
					claimed[res.Item.TaskID]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, items)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func testValidatedTransitions(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")
	enqueue(t, q, "task-1", "g")

	tests := []struct {
		to      models.TaskStatus
		success bool
		code    string
	}{
		{models.StatusComplete, false, queue.CodeInvalidStatusTransition},
		{models.StatusRunning, true, ""},
		{models.StatusQueued, false, queue.CodeInvalidStatusTransition},
		{models.TaskStatus("DONE"), false, queue.CodeInvalidStatus},
		{models.StatusComplete, true, ""},
		{models.StatusRunning, false, queue.CodeInvalidStatusTransition},
		{models.StatusCancelled, false, queue.CodeInvalidStatusTransition},
	}
	for _, tt := range tests {
		res, err := q.UpdateStatusWithValidation(ctx, "task-1", tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.success, res.Success, "-> %s: %s", tt.to, res.Message)
		assert.Equal(t, tt.code, res.Error, "-> %s", tt.to)
		assert.NotEmpty(t, res.Message)
	}

	res, err := q.UpdateStatusWithValidation(ctx, "missing", models.StatusRunning)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, queue.CodeTaskNotFound, res.Error)

	enqueue(t, q, "task-2", "g")
	res, err = q.UpdateStatusWithValidation(ctx, "task-2", models.StatusCancelled)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func testRejectedTransitionLeavesState(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")
	enqueue(t, q, "task-1", "g")
	_, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.UpdateStatus(ctx, "task-1", models.StatusComplete, "", "done"))

	before, err := q.GetItem(ctx, "task-1", "")
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	res, err := q.UpdateStatusWithValidation(ctx, "task-1", models.StatusRunning)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, queue.CodeInvalidStatusTransition, res.Error)

	after, err := q.GetItem(ctx, "task-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, "done", after.Output)
}

func testAwaitAndResume(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")
	enqueue(t, q, "task-1", "g")

	// Only RUNNING items can ask for clarification.
	res, err := q.SetAwaitingResponse(ctx, "task-1", models.Clarification{Question: "?"}, nil, "")
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = q.Claim(ctx)
	require.NoError(t, err)

	history := []models.ConversationEntry{{Role: "assistant", Content: "which answer?", Timestamp: e.clock.Now()}}
	res, err = q.SetAwaitingResponse(ctx, "task-1", models.Clarification{
		Type:     "question",
		Question: "What is the answer?",
		Options:  []string{"41", "42"},
	}, history, "partial")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	waiting, err := q.GetItem(ctx, "task-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingResponse, waiting.Status)
	require.NotNil(t, waiting.Clarification)
	assert.Equal(t, "What is the answer?", waiting.Clarification.Question)
	assert.Equal(t, []string{"41", "42"}, waiting.Clarification.Options)
	assert.Equal(t, "partial", waiting.Output)
	require.Len(t, waiting.ConversationHistory, 1)

	res, err = q.ResumeWithResponse(ctx, "task-1", "42")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	resumed, err := q.GetItem(ctx, "task-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resumed.Status)
	assert.Nil(t, resumed.Clarification)
	require.Len(t, resumed.ConversationHistory, 2)
	last := resumed.ConversationHistory[1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "42", last.Content)

	res, err = q.ResumeWithResponse(ctx, "task-1", "again")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, queue.CodeInvalidStatusTransition, res.Error)

	res, err = q.ResumeWithResponse(ctx, "missing", "x")
	require.NoError(t, err)
	assert.Equal(t, queue.CodeTaskNotFound, res.Error)
}

func testReadsSortedAndScoped(t *testing.T, e *env) {
	ctx := context.Background()
	a := e.queue("alpha")
	b := e.queue("beta")

	enqueue(t, a, "a-late", "g1")
	e.clock.Advance(-time.Hour)
	enqueue(t, a, "a-early", "g2")
	e.clock.Advance(2 * time.Hour)
	enqueue(t, b, "b-1", "g1")
	enqueue(t, a, "a-last", "g1")

	all, err := a.GetAllItems(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-early", "a-late", "a-last"}, ids(all))

	group, err := a.GetByTaskGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-late", "a-last"}, ids(group))

	queued, err := a.GetByStatus(ctx, models.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 3)

	running, err := a.GetByStatus(ctx, models.StatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)

	cross, err := a.GetAllItems(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1"}, ids(cross))

	got, err := a.GetItem(ctx, "b-1", "beta")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "beta", got.Namespace)
}

func testTaskGroups(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	start := e.clock.Now()
	enqueue(t, q, "t1", "g-b")
	e.clock.Advance(time.Minute)
	enqueue(t, q, "t2", "g-a")
	e.clock.Advance(time.Minute)
	enqueue(t, q, "t3", "g-b")
	e.clock.Advance(time.Minute)
	_, err := q.UpdateStatusWithValidation(ctx, "t1", models.StatusCancelled)
	require.NoError(t, err)
	enqueue(t, e.queue("beta"), "t4", "g-c")

	groups, err := q.GetAllTaskGroups(ctx, "")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "g-b", groups[0].TaskGroupID)
	assert.Equal(t, 2, groups[0].TaskCount)
	assert.True(t, groups[0].CreatedAt.Equal(start))
	assert.True(t, groups[0].LatestUpdatedAt.Equal(start.Add(3*time.Minute)))

	assert.Equal(t, "g-a", groups[1].TaskGroupID)
	assert.Equal(t, 1, groups[1].TaskCount)
}

func testNamespaces(t *testing.T, e *env) {
	ctx := context.Background()
	a := e.queue("alpha")
	b := e.queue("beta")

	enqueue(t, a, "a1", "g")
	enqueue(t, a, "a2", "g")
	enqueue(t, b, "b1", "g")

	require.NoError(t, a.UpdateRunnerHeartbeat(ctx, "old", ""))
	e.clock.Advance(10 * time.Minute)
	require.NoError(t, a.UpdateRunnerHeartbeat(ctx, "fresh", ""))
	require.NoError(t, b.UpdateRunnerHeartbeat(ctx, "runner-b", ""))

	summaries, err := a.GetAllNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, models.NamespaceSummary{Namespace: "alpha", TaskCount: 2, RunnerCount: 2, ActiveRunnerCount: 1}, summaries[0])
	assert.Equal(t, models.NamespaceSummary{Namespace: "beta", TaskCount: 1, RunnerCount: 1, ActiveRunnerCount: 1}, summaries[1])
}

func testRecoverStaleTasks(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	enqueue(t, q, "stale", "g")
	enqueue(t, q, "fresh", "g")
	enqueue(t, q, "waiting", "g")

	res, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "stale", res.Item.TaskID)

	e.clock.Advance(6 * time.Minute)
	res, err = q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh", res.Item.TaskID)

	n, err := q.RecoverStaleTasks(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := q.GetItem(ctx, "stale", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stale.Status)
	assert.Contains(t, stale.ErrorMessage, "stale")
	assert.Contains(t, stale.ErrorMessage, "6m0s")

	fresh, err := q.GetItem(ctx, "fresh", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, fresh.Status)

	waiting, err := q.GetItem(ctx, "waiting", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, waiting.Status)

	n, err = q.RecoverStaleTasks(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testRunnerHeartbeat(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")

	started := e.clock.Now()
	require.NoError(t, q.UpdateRunnerHeartbeat(ctx, "r1", "/work"))
	e.clock.Advance(30 * time.Second)
	require.NoError(t, q.UpdateRunnerHeartbeat(ctx, "r1", ""))

	r, err := q.GetRunner(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.StartedAt.Equal(started))
	assert.True(t, r.LastHeartbeat.Equal(e.clock.Now()))
	assert.Equal(t, models.RunnerRunning, r.Status)
	assert.Equal(t, "/work", r.ProjectRoot)

	withStatus, err := q.GetRunnersWithStatus(ctx, 0)
	require.NoError(t, err)
	require.Len(t, withStatus, 1)
	assert.True(t, withStatus[0].IsAlive)

	e.clock.Advance(queue.DefaultHeartbeatTimeout)
	withStatus, err = q.GetRunnersWithStatus(ctx, 0)
	require.NoError(t, err)
	assert.False(t, withStatus[0].IsAlive)

	require.NoError(t, q.MarkRunnerStopped(ctx, "r1"))
	require.NoError(t, q.MarkRunnerStopped(ctx, "unknown"))
	r, err = q.GetRunner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStopped, r.Status)

	all, err := q.GetAllRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ok, err := q.DeleteRunner(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.DeleteRunner(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	r, err = q.GetRunner(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func testEnqueueClaimComplete(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")
	enqueue(t, q, "task-1", "g")

	res, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, q.UpdateStatus(ctx, "task-1", models.StatusComplete, "", "all good"))
	require.ErrorIs(t, q.UpdateStatus(ctx, "missing", models.StatusComplete, "", ""), queue.ErrTaskNotFound)

	done, err := q.GetByStatus(ctx, models.StatusComplete)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "task-1", done[0].TaskID)
	assert.Equal(t, "all good", done[0].Output)
}

func testFinishRunningGuard(t *testing.T, e *env) {
	ctx := context.Background()
	q := e.queue("alpha")
	enqueue(t, q, "done", "g")
	enqueue(t, q, "cancelled", "g")
	enqueue(t, q, "recovered", "g")

	for i := 0; i < 3; i++ {
		res, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := q.FinishRunning(ctx, "done", models.StatusComplete, "", "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = q.FinishRunning(ctx, "done", models.StatusError, "late", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, queue.CodeInvalidStatusTransition, res.Error)

	res, err = q.UpdateStatusWithValidation(ctx, "cancelled", models.StatusCancelled)
	require.NoError(t, err)
	require.True(t, res.Success)
	res, err = q.FinishRunning(ctx, "cancelled", models.StatusComplete, "", "late output")
	require.NoError(t, err)
	assert.False(t, res.Success)

	e.clock.Advance(6 * time.Minute)
	n, err := q.RecoverStaleTasks(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	res, err = q.FinishRunning(ctx, "recovered", models.StatusComplete, "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = q.FinishRunning(ctx, "missing", models.StatusComplete, "", "")
	require.NoError(t, err)
	assert.Equal(t, queue.CodeTaskNotFound, res.Error)

	res, err = q.FinishRunning(ctx, "done", models.StatusQueued, "", "")
	require.NoError(t, err)
	assert.Equal(t, queue.CodeInvalidStatus, res.Error)

	done, err := q.GetItem(ctx, "done", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, done.Status)
	assert.Equal(t, "ok", done.Output)
	assert.Empty(t, done.ErrorMessage)

	cancelled, err := q.GetItem(ctx, "cancelled", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.Output)

	recovered, err := q.GetItem(ctx, "recovered", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, recovered.Status)
	assert.Contains(t, recovered.ErrorMessage, "stale")

	// An unconditional COMPLETE never keeps an earlier error message.
	require.NoError(t, q.UpdateStatus(ctx, "recovered", models.StatusComplete, "", ""))
	recovered, err = q.GetItem(ctx, "recovered", "")
	require.NoError(t, err)
	assert.Empty(t, recovered.ErrorMessage)
}

func testHeartbeatTimeoutOption(t *testing.T, e *env) {
	ctx := context.Background()
	short := e.queue("alpha")
	long := queue.New(e.open("alpha"), queue.Options{Now: e.clock.Now, HeartbeatTimeout: time.Hour})

	require.NoError(t, short.UpdateRunnerHeartbeat(ctx, "r1", ""))
	e.clock.Advance(10 * time.Minute)

	summaries, err := short.GetAllNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].ActiveRunnerCount)

	summaries, err = long.GetAllNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].RunnerCount)
	assert.Equal(t, 1, summaries[0].ActiveRunnerCount)

	runners, err := long.GetRunnersWithStatus(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.True(t, runners[0].IsAlive)

	runners, err = long.GetRunnersWithStatus(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, runners[0].IsAlive)
}

func ids(items []models.QueueItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.TaskID)
	}
	return out
}
