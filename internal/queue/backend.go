// Package queue implements the task queue contract over interchangeable
// storage backends.
package queue

import (
	"context"
	"errors"

	"github.com/fentz26/runq/internal/models"
)

var (
	// ErrTaskExists is returned when an item with the same namespace and task id is already stored.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskNotFound is returned by unconditional writes against a missing item.
	ErrTaskNotFound = errors.New("task not found")
)

// ListFilter narrows Backend.List. Empty fields match everything, except
// Namespace which is always applied unless AllNamespaces is set.
type ListFilter struct {
	Namespace     string
	AllNamespaces bool
	Status        models.TaskStatus
	TaskGroupID   string
}

// Match reports whether item passes the filter.
func (f ListFilter) Match(item *models.QueueItem) bool {
	if !f.AllNamespaces && item.Namespace != f.Namespace {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.TaskGroupID != "" && item.TaskGroupID != f.TaskGroupID {
		return false
	}
	return true
}

// Backend is the storage port every substrate implements. Queue builds the
// full contract on top of it so all backends behave identically.
//
// List and OldestQueued order by created_at ascending, ties broken by
// insertion order. Get and GetRunner return nil, nil when nothing matches.
type Backend interface {
	// Namespace is the namespace the backend was opened for.
	Namespace() string

	Insert(ctx context.Context, item models.QueueItem) error
	Get(ctx context.Context, namespace, taskID string) (*models.QueueItem, error)
	List(ctx context.Context, filter ListFilter) ([]models.QueueItem, error)
	OldestQueued(ctx context.Context, namespace string) (*models.QueueItem, error)

	// CompareAndSwap replaces the stored item with next only if the stored
	// status still equals expect. It reports whether the write happened.
	CompareAndSwap(ctx context.Context, next models.QueueItem, expect models.TaskStatus) (bool, error)

	// Update replaces the stored item unconditionally. It reports whether the item existed.
	Update(ctx context.Context, item models.QueueItem) (bool, error)

	PutRunner(ctx context.Context, runner models.RunnerRecord) error
	GetRunner(ctx context.Context, namespace, runnerID string) (*models.RunnerRecord, error)
	// ListRunners returns runners of namespace, or of every namespace when namespace is empty.
	ListRunners(ctx context.Context, namespace string) ([]models.RunnerRecord, error)
	DeleteRunner(ctx context.Context, namespace, runnerID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
