package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/google/uuid"
)

const (
	// DefaultStaleAge is the age after which a RUNNING item is considered abandoned.
	DefaultStaleAge = 5 * time.Minute
	// DefaultHeartbeatTimeout is how long a runner stays alive without a heartbeat.
	DefaultHeartbeatTimeout = 120 * time.Second
)

// Result codes of a rejected status update.
const (
	CodeTaskNotFound            = "TASK_NOT_FOUND"
	CodeInvalidStatus           = "INVALID_STATUS"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeConcurrentModification  = "CONCURRENT_MODIFICATION"
)

// Options configures a Queue.
type Options struct {
	// Now overrides the clock. Defaults to time.Now in UTC.
	Now    func() time.Time
	Logger *slog.Logger
	// HeartbeatTimeout decides runner liveness. Defaults to DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration
}

// Queue is the task queue contract, fixed to the namespace of its backend.
type Queue struct {
	backend          Backend
	ns               string
	now              func() time.Time
	log              *slog.Logger
	heartbeatTimeout time.Duration
}

// New creates a Queue over backend.
func New(backend Backend, opts Options) *Queue {
	q := &Queue{
		backend:          backend,
		ns:               backend.Namespace(),
		now:              opts.Now,
		log:              opts.Logger,
		heartbeatTimeout: opts.HeartbeatTimeout,
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.heartbeatTimeout <= 0 {
		q.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return q
}

// Namespace returns the namespace every unqualified operation is scoped to.
func (q *Queue) Namespace() string {
	return q.ns
}

// Ping checks the backend is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.backend.Ping(ctx)
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

// EnqueueRequest describes a new item. TaskID is generated when empty.
type EnqueueRequest struct {
	SessionID   string `json:"session_id"`
	TaskGroupID string `json:"task_group_id"`
	Prompt      string `json:"prompt"`
	TaskID      string `json:"task_id,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
}

// ClaimResult is the outcome of Claim. Empty is set when nothing was queued.
type ClaimResult struct {
	Success bool              `json:"success"`
	Empty   bool              `json:"empty,omitempty"`
	Item    *models.QueueItem `json:"item,omitempty"`
}

// StatusUpdateResult is the structured outcome of a validated transition.
type StatusUpdateResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func rejected(code, format string, args ...any) StatusUpdateResult {
	return StatusUpdateResult{Error: code, Message: fmt.Sprintf(format, args...)}
}

// --- Item Operations ---

// Enqueue stores a new QUEUED item.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	now := q.now()
	item := models.QueueItem{
		TaskID:      req.TaskID,
		TaskGroupID: req.TaskGroupID,
		SessionID:   req.SessionID,
		Namespace:   q.ns,
		TaskType:    req.TaskType,
		Status:      models.StatusQueued,
		Prompt:      req.Prompt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if item.TaskID == "" {
		item.TaskID = uuid.New().String()
	}
	if err := q.backend.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", item.TaskID, err)
	}
	q.log.Debug("task enqueued", "task_id", item.TaskID, "namespace", q.ns, "task_group_id", item.TaskGroupID)
	return &item, nil
}

// GetItem returns the item or nil when it does not exist. An empty namespace
// means the queue's own.
func (q *Queue) GetItem(ctx context.Context, taskID, namespace string) (*models.QueueItem, error) {
	if namespace == "" {
		namespace = q.ns
	}
	item, err := q.backend.Get(ctx, namespace, taskID)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", taskID, err)
	}
	return item, nil
}

// Claim moves the oldest QUEUED item to RUNNING. Losing the race to another
// claimant is not an error: the result simply has Success false.
func (q *Queue) Claim(ctx context.Context) (ClaimResult, error) {
	item, err := q.backend.OldestQueued(ctx, q.ns)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("select oldest queued: %w", err)
	}
	if item == nil {
		return ClaimResult{Empty: true}, nil
	}

	next := item.Clone()
	next.Status = models.StatusRunning
	next.UpdatedAt = q.now()
	ok, err := q.backend.CompareAndSwap(ctx, next, models.StatusQueued)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", item.TaskID, err)
	}
	if !ok {
		return ClaimResult{}, nil
	}
	return ClaimResult{Success: true, Item: &next}, nil
}

// UpdateStatus writes status without consulting the transition table.
// Non-empty errorMessage and output replace the stored values.
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, errorMessage, output string) error {
	item, err := q.backend.Get(ctx, q.ns, taskID)
	if err != nil {
		return fmt.Errorf("get %s: %w", taskID, err)
	}
	if item == nil {
		return fmt.Errorf("update %s: %w", taskID, ErrTaskNotFound)
	}

	item.Status = status
	item.UpdatedAt = q.now()
	if errorMessage != "" {
		item.ErrorMessage = errorMessage
	}
	if status == models.StatusComplete {
		item.ErrorMessage = ""
	}
	if output != "" {
		item.Output = output
	}
	if status != models.StatusAwaitingResponse {
		item.Clarification = nil
	}
	found, err := q.backend.Update(ctx, *item)
	if err != nil {
		return fmt.Errorf("update %s: %w", taskID, err)
	}
	if !found {
		return fmt.Errorf("update %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// FinishRunning writes an executor outcome, guarded on the item still being
// RUNNING. A task cancelled, recovered or suspended meanwhile keeps its
// state and the result reports why the outcome was discarded.
func (q *Queue) FinishRunning(ctx context.Context, taskID string, status models.TaskStatus, errorMessage, output string) (StatusUpdateResult, error) {
	if !models.CanTransition(models.StatusRunning, status) || status == models.StatusAwaitingResponse {
		return rejected(CodeInvalidStatus, "Status %q does not finish a task", status), nil
	}
	item, err := q.backend.Get(ctx, q.ns, taskID)
	if err != nil {
		return StatusUpdateResult{}, fmt.Errorf("get %s: %w", taskID, err)
	}
	if item == nil {
		return rejected(CodeTaskNotFound, "Task %s not found", taskID), nil
	}
	if item.Status != models.StatusRunning {
		return rejected(CodeInvalidStatusTransition, "Task %s is %s, not RUNNING; outcome %s discarded", taskID, item.Status, status), nil
	}

	next := item.Clone()
	next.Status = status
	next.UpdatedAt = q.now()
	next.ErrorMessage = errorMessage
	next.Clarification = nil
	if output != "" {
		next.Output = output
	}
	return q.swap(ctx, models.StatusRunning, next)
}

// UpdateStatusWithValidation applies newStatus only if the transition table
// allows it from the current status. Rejections are reported in the result;
// the error is reserved for storage failures.
func (q *Queue) UpdateStatusWithValidation(ctx context.Context, taskID string, newStatus models.TaskStatus) (StatusUpdateResult, error) {
	if !newStatus.Valid() {
		return rejected(CodeInvalidStatus, "Unknown status %q", newStatus), nil
	}
	return q.transition(ctx, taskID, newStatus, func(item *models.QueueItem) {
		if newStatus != models.StatusAwaitingResponse {
			item.Clarification = nil
		}
	})
}

// SetAwaitingResponse suspends a RUNNING item until the user answers clarification.
// A nil history keeps the stored one.
func (q *Queue) SetAwaitingResponse(ctx context.Context, taskID string, clarification models.Clarification, history []models.ConversationEntry, output string) (StatusUpdateResult, error) {
	return q.transition(ctx, taskID, models.StatusAwaitingResponse, func(item *models.QueueItem) {
		c := clarification
		item.Clarification = &c
		if history != nil {
			item.ConversationHistory = append([]models.ConversationEntry(nil), history...)
		}
		if output != "" {
			item.Output = output
		}
	})
}

// ResumeWithResponse appends the user's answer to the history and moves an
// AWAITING_RESPONSE item back to RUNNING.
func (q *Queue) ResumeWithResponse(ctx context.Context, taskID, response string) (StatusUpdateResult, error) {
	item, err := q.backend.Get(ctx, q.ns, taskID)
	if err != nil {
		return StatusUpdateResult{}, fmt.Errorf("get %s: %w", taskID, err)
	}
	if item == nil {
		return rejected(CodeTaskNotFound, "Task %s not found", taskID), nil
	}
	if item.Status != models.StatusAwaitingResponse {
		return rejected(CodeInvalidStatusTransition, "Task %s is not awaiting a response (status %s)", taskID, item.Status), nil
	}

	now := q.now()
	next := item.Clone()
	next.Status = models.StatusRunning
	next.UpdatedAt = now
	next.Clarification = nil
	next.ConversationHistory = append(next.ConversationHistory, models.ConversationEntry{
		Role:      "user",
		Content:   response,
		Timestamp: now,
	})
	return q.swap(ctx, item.Status, next)
}

func (q *Queue) transition(ctx context.Context, taskID string, to models.TaskStatus, mutate func(*models.QueueItem)) (StatusUpdateResult, error) {
	item, err := q.backend.Get(ctx, q.ns, taskID)
	if err != nil {
		return StatusUpdateResult{}, fmt.Errorf("get %s: %w", taskID, err)
	}
	if item == nil {
		return rejected(CodeTaskNotFound, "Task %s not found", taskID), nil
	}
	if !models.CanTransition(item.Status, to) {
		return rejected(CodeInvalidStatusTransition, "Cannot transition task %s from %s to %s", taskID, item.Status, to), nil
	}

	next := item.Clone()
	next.Status = to
	next.UpdatedAt = q.now()
	mutate(&next)
	return q.swap(ctx, item.Status, next)
}

func (q *Queue) swap(ctx context.Context, from models.TaskStatus, next models.QueueItem) (StatusUpdateResult, error) {
	ok, err := q.backend.CompareAndSwap(ctx, next, from)
	if err != nil {
		return StatusUpdateResult{}, fmt.Errorf("update %s: %w", next.TaskID, err)
	}
	if !ok {
		return rejected(CodeConcurrentModification, "Task %s changed while updating from %s", next.TaskID, from), nil
	}
	return StatusUpdateResult{
		Success: true,
		Message: fmt.Sprintf("Task %s moved from %s to %s", next.TaskID, from, next.Status),
	}, nil
}

// --- Reads ---

// GetByStatus returns the queue's items in status, oldest first.
func (q *Queue) GetByStatus(ctx context.Context, status models.TaskStatus) ([]models.QueueItem, error) {
	return q.list(ctx, ListFilter{Namespace: q.ns, Status: status})
}

// GetByTaskGroup returns the queue's items in group, oldest first.
func (q *Queue) GetByTaskGroup(ctx context.Context, taskGroupID string) ([]models.QueueItem, error) {
	return q.list(ctx, ListFilter{Namespace: q.ns, TaskGroupID: taskGroupID})
}

// GetAllItems returns every item of namespace (the queue's own when empty), oldest first.
func (q *Queue) GetAllItems(ctx context.Context, namespace string) ([]models.QueueItem, error) {
	if namespace == "" {
		namespace = q.ns
	}
	return q.list(ctx, ListFilter{Namespace: namespace})
}

func (q *Queue) list(ctx context.Context, filter ListFilter) ([]models.QueueItem, error) {
	items, err := q.backend.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// GetAllTaskGroups summarises the groups of namespace (the queue's own when
// empty), ordered by earliest creation.
func (q *Queue) GetAllTaskGroups(ctx context.Context, namespace string) ([]models.TaskGroupSummary, error) {
	items, err := q.GetAllItems(ctx, namespace)
	if err != nil {
		return nil, err
	}

	byGroup := make(map[string]*models.TaskGroupSummary)
	var order []string
	for _, item := range items {
		g, ok := byGroup[item.TaskGroupID]
		if !ok {
			g = &models.TaskGroupSummary{
				TaskGroupID:     item.TaskGroupID,
				CreatedAt:       item.CreatedAt,
				LatestUpdatedAt: item.UpdatedAt,
			}
			byGroup[item.TaskGroupID] = g
			order = append(order, item.TaskGroupID)
		}
		g.TaskCount++
		if item.CreatedAt.Before(g.CreatedAt) {
			g.CreatedAt = item.CreatedAt
		}
		if item.UpdatedAt.After(g.LatestUpdatedAt) {
			g.LatestUpdatedAt = item.UpdatedAt
		}
	}

	out := make([]models.TaskGroupSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byGroup[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetAllNamespaces summarises tasks and runners across every namespace.
func (q *Queue) GetAllNamespaces(ctx context.Context) ([]models.NamespaceSummary, error) {
	items, err := q.backend.List(ctx, ListFilter{AllNamespaces: true})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	runners, err := q.backend.ListRunners(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}

	byNS := make(map[string]*models.NamespaceSummary)
	get := func(ns string) *models.NamespaceSummary {
		s, ok := byNS[ns]
		if !ok {
			s = &models.NamespaceSummary{Namespace: ns}
			byNS[ns] = s
		}
		return s
	}
	for _, item := range items {
		get(item.Namespace).TaskCount++
	}
	now := q.now()
	for _, r := range runners {
		s := get(r.Namespace)
		s.RunnerCount++
		if r.Alive(now, q.heartbeatTimeout) {
			s.ActiveRunnerCount++
		}
	}

	out := make([]models.NamespaceSummary, 0, len(byNS))
	for _, s := range byNS {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

// --- Recovery ---

// RecoverStaleTasks moves RUNNING items that have not been updated within
// maxAge to ERROR. A non-positive maxAge uses DefaultStaleAge.
func (q *Queue) RecoverStaleTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	running, err := q.GetByStatus(ctx, models.StatusRunning)
	if err != nil {
		return 0, err
	}

	now := q.now()
	recovered := 0
	for _, item := range running {
		age := now.Sub(item.UpdatedAt)
		if age <= maxAge {
			continue
		}
		next := item.Clone()
		next.Status = models.StatusError
		next.UpdatedAt = now
		next.ErrorMessage = fmt.Sprintf("Task stale: no update for %s (threshold %s)", age.Round(time.Second), maxAge)
		ok, err := q.backend.CompareAndSwap(ctx, next, models.StatusRunning)
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", item.TaskID, err)
		}
		if ok {
			recovered++
			q.log.Warn("recovered stale task", "task_id", item.TaskID, "namespace", q.ns, "age", age.Round(time.Second))
		}
	}
	return recovered, nil
}

// --- Runner Operations ---

// UpdateRunnerHeartbeat upserts the runner as RUNNING with a fresh heartbeat,
// keeping its original start time.
func (q *Queue) UpdateRunnerHeartbeat(ctx context.Context, runnerID, projectRoot string) error {
	existing, err := q.backend.GetRunner(ctx, q.ns, runnerID)
	if err != nil {
		return fmt.Errorf("get runner %s: %w", runnerID, err)
	}
	now := q.now()
	r := models.RunnerRecord{
		RunnerID:      runnerID,
		Namespace:     q.ns,
		LastHeartbeat: now,
		StartedAt:     now,
		Status:        models.RunnerRunning,
		ProjectRoot:   projectRoot,
	}
	if existing != nil {
		r.StartedAt = existing.StartedAt
		if projectRoot == "" {
			r.ProjectRoot = existing.ProjectRoot
		}
	}
	if err := q.backend.PutRunner(ctx, r); err != nil {
		return fmt.Errorf("heartbeat %s: %w", runnerID, err)
	}
	return nil
}

// GetRunner returns the runner or nil.
func (q *Queue) GetRunner(ctx context.Context, runnerID string) (*models.RunnerRecord, error) {
	r, err := q.backend.GetRunner(ctx, q.ns, runnerID)
	if err != nil {
		return nil, fmt.Errorf("get runner %s: %w", runnerID, err)
	}
	return r, nil
}

// GetAllRunners returns the runners of the queue's namespace.
func (q *Queue) GetAllRunners(ctx context.Context) ([]models.RunnerRecord, error) {
	runners, err := q.backend.ListRunners(ctx, q.ns)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	return runners, nil
}

// GetRunnersWithStatus returns the namespace's runners with liveness derived
// from timeout (the queue's heartbeat timeout when non-positive).
func (q *Queue) GetRunnersWithStatus(ctx context.Context, timeout time.Duration) ([]models.RunnerWithStatus, error) {
	if timeout <= 0 {
		timeout = q.heartbeatTimeout
	}
	runners, err := q.GetAllRunners(ctx)
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := make([]models.RunnerWithStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, models.RunnerWithStatus{RunnerRecord: r, IsAlive: r.Alive(now, timeout)})
	}
	return out, nil
}

// MarkRunnerStopped records a graceful shutdown. Unknown runners are ignored.
func (q *Queue) MarkRunnerStopped(ctx context.Context, runnerID string) error {
	r, err := q.backend.GetRunner(ctx, q.ns, runnerID)
	if err != nil {
		return fmt.Errorf("get runner %s: %w", runnerID, err)
	}
	if r == nil {
		return nil
	}
	r.Status = models.RunnerStopped
	if err := q.backend.PutRunner(ctx, *r); err != nil {
		return fmt.Errorf("stop runner %s: %w", runnerID, err)
	}
	return nil
}

// DeleteRunner removes the runner record and reports whether it existed.
func (q *Queue) DeleteRunner(ctx context.Context, runnerID string) (bool, error) {
	ok, err := q.backend.DeleteRunner(ctx, q.ns, runnerID)
	if err != nil {
		return false, fmt.Errorf("delete runner %s: %w", runnerID, err)
	}
	return ok, nil
}
