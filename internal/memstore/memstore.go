// Package memstore is an in-process queue backend for tests and single-process runs.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
)

var errClosed = errors.New("memstore: closed")

type entry struct {
	item models.QueueItem
	seq  uint64
}

type state struct {
	mu      sync.Mutex
	seq     uint64
	items   map[string]*entry
	runners map[string]models.RunnerRecord
	closed  bool
}

// Store keeps items and runners in maps guarded by a mutex. Stores derived
// with WithNamespace share the same maps.
type Store struct {
	namespace string
	*state
}

var _ queue.Backend = (*Store)(nil)

// New creates an empty store for namespace.
func New(namespace string) *Store {
	return &Store{
		namespace: namespace,
		state: &state{
			items:   make(map[string]*entry),
			runners: make(map[string]models.RunnerRecord),
		},
	}
}

// WithNamespace returns a store for namespace over the same data.
func (s *Store) WithNamespace(namespace string) *Store {
	return &Store{namespace: namespace, state: s.state}
}

// Namespace returns the store's namespace.
func (s *Store) Namespace() string { return s.namespace }

// Ping fails once the store is closed.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Insert(ctx context.Context, item models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.Key()
	if _, ok := s.items[key]; ok {
		return queue.ErrTaskExists
	}
	s.seq++
	s.items[key] = &entry{item: item.Clone(), seq: s.seq}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace, taskID string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[models.ItemKey(namespace, taskID)]
	if !ok {
		return nil, nil
	}
	item := e.item.Clone()
	return &item, nil
}

func (s *Store) sorted(filter queue.ListFilter) []*entry {
	var out []*entry
	for _, e := range s.items {
		if filter.Match(&e.item) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	})
	return out
}

func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted(filter)
	items := make([]models.QueueItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.item.Clone())
	}
	return items, nil
}

func (s *Store) OldestQueued(ctx context.Context, namespace string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted(queue.ListFilter{Namespace: namespace, Status: models.StatusQueued})
	if len(entries) == 0 {
		return nil, nil
	}
	item := entries[0].item.Clone()
	return &item, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, next models.QueueItem, expect models.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[next.Key()]
	if !ok || e.item.Status != expect {
		return false, nil
	}
	e.item = next.Clone()
	return true, nil
}

func (s *Store) Update(ctx context.Context, item models.QueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[item.Key()]
	if !ok {
		return false, nil
	}
	e.item = item.Clone()
	return true, nil
}

// --- Runner Operations ---

func (s *Store) PutRunner(ctx context.Context, runner models.RunnerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[models.ItemKey(runner.Namespace, runner.RunnerID)] = runner
	return nil
}

func (s *Store) GetRunner(ctx context.Context, namespace, runnerID string) (*models.RunnerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[models.ItemKey(namespace, runnerID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) ListRunners(ctx context.Context, namespace string) ([]models.RunnerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunnerRecord
	for _, r := range s.runners {
		if namespace == "" || r.Namespace == namespace {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].RunnerID < out[j].RunnerID
	})
	return out, nil
}

func (s *Store) DeleteRunner(ctx context.Context, namespace, runnerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.ItemKey(namespace, runnerID)
	if _, ok := s.runners[key]; !ok {
		return false, nil
	}
	delete(s.runners, key)
	return true, nil
}
