// Package models defines the core domain types for runq.
package models

import "time"

// TaskStatus represents the current state of a queue item.
type TaskStatus string

const (
	StatusQueued           TaskStatus = "QUEUED"
	StatusRunning          TaskStatus = "RUNNING"
	StatusComplete         TaskStatus = "COMPLETE"
	StatusError            TaskStatus = "ERROR"
	StatusCancelled        TaskStatus = "CANCELLED"
	StatusAwaitingResponse TaskStatus = "AWAITING_RESPONSE"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusQueued,
	StatusRunning,
	StatusAwaitingResponse,
	StatusComplete,
	StatusError,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusQueued: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusComplete:         {},
		StatusError:            {},
		StatusCancelled:        {},
		StatusAwaitingResponse: {},
	},
	StatusAwaitingResponse: {
		StatusRunning: {},
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// AllowedTransitions returns the statuses reachable from s in one step.
func AllowedTransitions(s TaskStatus) []TaskStatus {
	var out []TaskStatus
	for _, candidate := range AllStatuses {
		if CanTransition(s, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// Clarification is the question a running task asks before it can continue.
type Clarification struct {
	Type     string   `json:"type"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// ConversationEntry is one turn of the task's conversation history.
type ConversationEntry struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueItem is a unit of work in the queue.
type QueueItem struct {
	TaskID              string              `json:"task_id"`
	TaskGroupID         string              `json:"task_group_id"`
	SessionID           string              `json:"session_id"`
	Namespace           string              `json:"namespace"`
	TaskType            string              `json:"task_type,omitempty"`
	Status              TaskStatus          `json:"status"`
	Prompt              string              `json:"prompt"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	Output              string              `json:"output,omitempty"`
	Clarification       *Clarification      `json:"clarification,omitempty"`
	ConversationHistory []ConversationEntry `json:"conversation_history,omitempty"`
}

// Key returns the backend key of the item.
func (q *QueueItem) Key() string {
	return ItemKey(q.Namespace, q.TaskID)
}

// Clone returns a deep copy so callers never share mutable state with a backend.
func (q QueueItem) Clone() QueueItem {
	if q.Clarification != nil {
		c := *q.Clarification
		c.Options = append([]string(nil), c.Options...)
		q.Clarification = &c
	}
	if q.ConversationHistory != nil {
		q.ConversationHistory = append([]ConversationEntry(nil), q.ConversationHistory...)
	}
	return q
}

// ItemKey composes the namespace-qualified key every backend stores items under.
func ItemKey(namespace, taskID string) string {
	return namespace + ":" + taskID
}

// RunnerStatus is the lifecycle state of a runner process.
type RunnerStatus string

const (
	RunnerRunning RunnerStatus = "RUNNING"
	RunnerStopped RunnerStatus = "STOPPED"
)

// RunnerRecord is the heartbeat row of one runner process.
type RunnerRecord struct {
	RunnerID      string       `json:"runner_id"`
	Namespace     string       `json:"namespace"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	StartedAt     time.Time    `json:"started_at"`
	Status        RunnerStatus `json:"status"`
	ProjectRoot   string       `json:"project_root,omitempty"`
}

// RunnerWithStatus is a RunnerRecord with its derived liveness.
type RunnerWithStatus struct {
	RunnerRecord
	IsAlive bool `json:"is_alive"`
}

// Alive reports whether the runner heartbeated within timeout of now.
func (r *RunnerRecord) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastHeartbeat) < timeout
}

// TaskGroupSummary aggregates the items of one task group.
type TaskGroupSummary struct {
	TaskGroupID     string    `json:"task_group_id"`
	TaskCount       int       `json:"task_count"`
	CreatedAt       time.Time `json:"created_at"`
	LatestUpdatedAt time.Time `json:"latest_updated_at"`
}

// NamespaceSummary aggregates tasks and runners of one namespace.
type NamespaceSummary struct {
	Namespace         string `json:"namespace"`
	TaskCount         int    `json:"task_count"`
	RunnerCount       int    `json:"runner_count"`
	ActiveRunnerCount int    `json:"active_runner_count"`
}

// PDREntry is a Process Decision Record emitted for queue mutations.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
