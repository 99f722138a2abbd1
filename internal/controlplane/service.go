// Package controlplane provides the HTTP API and service layer for runq.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/runq/internal/audit"
	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
)

// Service provides the control plane business logic.
type Service struct {
	queue *queue.Queue
	pdr   *audit.Recorder
}

// NewService creates a new control plane service. pdr may be nil.
func NewService(q *queue.Queue, pdr *audit.Recorder) *Service {
	return &Service{
		queue: q,
		pdr:   pdr,
	}
}

// Namespace returns the namespace the service writes to.
func (s *Service) Namespace() string {
	return s.queue.Namespace()
}

// Ping checks the storage backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.queue.Ping(ctx)
}

// --- Task Operations ---

// EnqueueTask adds a QUEUED task.
func (s *Service) EnqueueTask(ctx context.Context, req queue.EnqueueRequest) (*models.QueueItem, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	item, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		s.pdr.Record(ctx, "task.enqueue", req, "failure", req.TaskID, err.Error())
		return nil, err
	}
	s.pdr.Record(ctx, "task.enqueue", req, "success", item.TaskID, "")
	return item, nil
}

// GetTask retrieves a task; nil when missing.
func (s *Service) GetTask(ctx context.Context, id, namespace string) (*models.QueueItem, error) {
	return s.queue.GetItem(ctx, id, namespace)
}

// TaskFilter narrows ListTasks. Empty fields match everything; an empty
// Namespace means the service's own.
type TaskFilter struct {
	Status      models.TaskStatus
	TaskGroupID string
	Namespace   string
}

// ListTasks returns filtered tasks, oldest first.
func (s *Service) ListTasks(ctx context.Context, f TaskFilter) ([]models.QueueItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}

	var (
		items []models.QueueItem
		err   error
	)
	switch {
	case f.Namespace != "" && f.Namespace != s.queue.Namespace():
		items, err = s.queue.GetAllItems(ctx, f.Namespace)
	case f.TaskGroupID != "":
		items, err = s.queue.GetByTaskGroup(ctx, f.TaskGroupID)
	case f.Status != "":
		items, err = s.queue.GetByStatus(ctx, f.Status)
	default:
		items, err = s.queue.GetAllItems(ctx, "")
	}
	if err != nil {
		return nil, err
	}

	match := queue.ListFilter{AllNamespaces: true, Status: f.Status, TaskGroupID: f.TaskGroupID}
	out := items[:0]
	for i := range items {
		if match.Match(&items[i]) {
			out = append(out, items[i])
		}
	}
	return out, nil
}

// UpdateStatus applies a validated transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) (queue.StatusUpdateResult, error) {
	res, err := s.queue.UpdateStatusWithValidation(ctx, id, status)
	if err != nil {
		return res, err
	}
	s.record(ctx, "task.status", map[string]any{"task_id": id, "status": status}, id, res)
	return res, nil
}

// CancelTask moves a task to CANCELLED when its status allows it.
func (s *Service) CancelTask(ctx context.Context, id string) (queue.StatusUpdateResult, error) {
	return s.UpdateStatus(ctx, id, models.StatusCancelled)
}

// AwaitRequest suspends a running task on a question for the user.
type AwaitRequest struct {
	Clarification       models.Clarification       `json:"clarification"`
	ConversationHistory []models.ConversationEntry `json:"conversation_history,omitempty"`
	Output              string                     `json:"output,omitempty"`
}

// AwaitResponse moves a RUNNING task to AWAITING_RESPONSE.
func (s *Service) AwaitResponse(ctx context.Context, id string, req AwaitRequest) (queue.StatusUpdateResult, error) {
	if strings.TrimSpace(req.Clarification.Question) == "" {
		return queue.StatusUpdateResult{}, fmt.Errorf("%w: clarification.question is required", ErrInvalidRequest)
	}
	if req.Clarification.Type == "" {
		req.Clarification.Type = "question"
	}
	res, err := s.queue.SetAwaitingResponse(ctx, id, req.Clarification, req.ConversationHistory, req.Output)
	if err != nil {
		return res, err
	}
	s.record(ctx, "task.await", map[string]any{"task_id": id, "question": req.Clarification.Question}, id, res)
	return res, nil
}

// Respond answers an AWAITING_RESPONSE task and resumes it.
func (s *Service) Respond(ctx context.Context, id, response string) (queue.StatusUpdateResult, error) {
	if strings.TrimSpace(response) == "" {
		return queue.StatusUpdateResult{}, fmt.Errorf("%w: response is required", ErrInvalidRequest)
	}
	res, err := s.queue.ResumeWithResponse(ctx, id, response)
	if err != nil {
		return res, err
	}
	s.record(ctx, "task.respond", map[string]any{"task_id": id, "response": response}, id, res)
	return res, nil
}

func (s *Service) record(ctx context.Context, action string, inputs any, taskID string, res queue.StatusUpdateResult) {
	outcome := "success"
	if !res.Success {
		outcome = res.Error
	}
	s.pdr.Record(ctx, action, inputs, outcome, taskID, res.Message)
}

// --- Groups, Namespaces, Runners ---

// ListTaskGroups summarises the groups of namespace.
func (s *Service) ListTaskGroups(ctx context.Context, namespace string) ([]models.TaskGroupSummary, error) {
	return s.queue.GetAllTaskGroups(ctx, namespace)
}

// ListNamespaces summarises every namespace.
func (s *Service) ListNamespaces(ctx context.Context) ([]models.NamespaceSummary, error) {
	return s.queue.GetAllNamespaces(ctx)
}

// ListRunners returns the namespace's runners with liveness.
func (s *Service) ListRunners(ctx context.Context, timeout time.Duration) ([]models.RunnerWithStatus, error) {
	return s.queue.GetRunnersWithStatus(ctx, timeout)
}

// DeleteRunner removes a runner record.
func (s *Service) DeleteRunner(ctx context.Context, runnerID string) (bool, error) {
	ok, err := s.queue.DeleteRunner(ctx, runnerID)
	if err != nil {
		return false, err
	}
	if ok {
		s.pdr.Record(ctx, "runner.delete", map[string]string{"runner_id": runnerID}, "success", "", runnerID)
	}
	return ok, nil
}

// --- Audit ---

// ListAudit returns decision records, newest first.
func (s *Service) ListAudit(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error) {
	l, ok := s.pdr.Lister()
	if !ok {
		return nil, ErrAuditUnavailable
	}
	return l.ListPDR(ctx, taskID, limit)
}
