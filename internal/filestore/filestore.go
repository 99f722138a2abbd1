// Package filestore is a queue backend persisting JSON files under a state
// directory:
//
//	{stateDir}/queue/tasks.json    namespace:task_id -> item
//	{stateDir}/queue/runners.json  namespace:runner_id -> runner
//
// Every mutation loads the current file under an exclusive lock, changes only
// its own key and writes the file back atomically, so stores of different
// namespaces sharing one state directory never clobber each other.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
)

const (
	formatVersion   = 1
	tasksFileName   = "tasks.json"
	runnersFileName = "runners.json"
	lockFileName    = ".lock"
)

type taskRecord struct {
	models.QueueItem
	Seq uint64 `json:"seq"`
}

type tasksFile struct {
	Version int                    `json:"version"`
	Seq     uint64                 `json:"seq"`
	Items   map[string]*taskRecord `json:"items"`
}

type runnersFile struct {
	Version int                            `json:"version"`
	Runners map[string]models.RunnerRecord `json:"runners"`
}

// Store is a queue.Backend over JSON files.
type Store struct {
	dir       string
	namespace string
	mu        *sync.Mutex
}

var _ queue.Backend = (*Store)(nil)

// New opens the file store rooted at stateDir for namespace.
func New(stateDir, namespace string) (*Store, error) {
	dir := filepath.Join(stateDir, "queue")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Store{dir: dir, namespace: namespace, mu: &sync.Mutex{}}, nil
}

// WithNamespace returns a store for namespace over the same directory.
func (s *Store) WithNamespace(namespace string) *Store {
	return &Store{dir: s.dir, namespace: namespace, mu: s.mu}
}

// Namespace returns the store's namespace.
func (s *Store) Namespace() string { return s.namespace }

// Dir returns the directory holding the queue files.
func (s *Store) Dir() string { return s.dir }

// Ping checks the queue directory is still usable.
func (s *Store) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op; files are not held open between operations.
func (s *Store) Close() error { return nil }

// withLock runs f while holding both the in-process mutex and the directory flock.
func (s *Store) withLock(f func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl := newFileLock(filepath.Join(s.dir, lockFileName))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return f()
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON writes v atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *Store) loadTasks() (*tasksFile, error) {
	tf := &tasksFile{}
	if _, err := readJSON(filepath.Join(s.dir, tasksFileName), tf); err != nil {
		return nil, err
	}
	if tf.Version > formatVersion {
		return nil, fmt.Errorf("tasks file version %d is newer than supported %d", tf.Version, formatVersion)
	}
	if tf.Items == nil {
		tf.Items = make(map[string]*taskRecord)
	}
	return tf, nil
}

func (s *Store) saveTasks(tf *tasksFile) error {
	tf.Version = formatVersion
	return writeJSON(filepath.Join(s.dir, tasksFileName), tf)
}

func (s *Store) loadRunners() (*runnersFile, error) {
	rf := &runnersFile{}
	if _, err := readJSON(filepath.Join(s.dir, runnersFileName), rf); err != nil {
		return nil, err
	}
	if rf.Runners == nil {
		rf.Runners = make(map[string]models.RunnerRecord)
	}
	return rf, nil
}

func (s *Store) saveRunners(rf *runnersFile) error {
	rf.Version = formatVersion
	return writeJSON(filepath.Join(s.dir, runnersFileName), rf)
}

// --- Task Operations ---

func (s *Store) Insert(ctx context.Context, item models.QueueItem) error {
	return s.withLock(func() error {
		tf, err := s.loadTasks()
		if err != nil {
			return err
		}
		key := item.Key()
		if _, ok := tf.Items[key]; ok {
			return queue.ErrTaskExists
		}
		tf.Seq++
		tf.Items[key] = &taskRecord{QueueItem: item.Clone(), Seq: tf.Seq}
		return s.saveTasks(tf)
	})
}

func (s *Store) Get(ctx context.Context, namespace, taskID string) (*models.QueueItem, error) {
	var out *models.QueueItem
	err := s.withLock(func() error {
		tf, err := s.loadTasks()
		if err != nil {
			return err
		}
		if rec, ok := tf.Items[models.ItemKey(namespace, taskID)]; ok {
			item := rec.QueueItem
			out = &item
		}
		return nil
	})
	return out, err
}

func sortedRecords(tf *tasksFile, filter queue.ListFilter) []*taskRecord {
	var out []*taskRecord
	for _, rec := range tf.Items {
		if filter.Match(&rec.QueueItem) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	return out
}

func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]models.QueueItem, error) {
	var items []models.QueueItem
	err := s.withLock(func() error {
		tf, err := s.loadTasks()
		if err != nil {
			return err
		}
		for _, rec := range sortedRecords(tf, filter) {
			items = append(items, rec.QueueItem)
		}
		return nil
	})
	return items, err
}

func (s *Store) OldestQueued(ctx context.Context, namespace string) (*models.QueueItem, error) {
	var out *models.QueueItem
	err := s.withLock(func() error {
		tf, err := s.loadTasks()
		if err != nil {
			return err
		}
		recs := sortedRecords(tf, queue.ListFilter{Namespace: namespace, Status: models.StatusQueued})
		if len(recs) > 0 {
			item := recs[0].QueueItem
			out = &item
		}
		return nil
	})
	return out, err
}

func (s *Store) CompareAndSwap(ctx context.Context, next models.QueueItem, expect models.TaskStatus) (bool, error) {
	return s.replace(next, func(cur *taskRecord) bool { return cur.Status == expect })
}

func (s *Store) Update(ctx context.Context, item models.QueueItem) (bool, error) {
	return s.replace(item, func(*taskRecord) bool { return true })
}

func (s *Store) replace(item models.QueueItem, guard func(*taskRecord) bool) (bool, error) {
	var swapped bool
	err := s.withLock(func() error {
		tf, err := s.loadTasks()
		if err != nil {
			return err
		}
		cur, ok := tf.Items[item.Key()]
		if !ok || !guard(cur) {
			return nil
		}
		tf.Items[item.Key()] = &taskRecord{QueueItem: item.Clone(), Seq: cur.Seq}
		if err := s.saveTasks(tf); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// --- Runner Operations ---

func (s *Store) PutRunner(ctx context.Context, runner models.RunnerRecord) error {
	return s.withLock(func() error {
		rf, err := s.loadRunners()
		if err != nil {
			return err
		}
		rf.Runners[models.ItemKey(runner.Namespace, runner.RunnerID)] = runner
		return s.saveRunners(rf)
	})
}

func (s *Store) GetRunner(ctx context.Context, namespace, runnerID string) (*models.RunnerRecord, error) {
	var out *models.RunnerRecord
	err := s.withLock(func() error {
		rf, err := s.loadRunners()
		if err != nil {
			return err
		}
		if r, ok := rf.Runners[models.ItemKey(namespace, runnerID)]; ok {
			out = &r
		}
		return nil
	})
	return out, err
}

func (s *Store) ListRunners(ctx context.Context, namespace string) ([]models.RunnerRecord, error) {
	var out []models.RunnerRecord
	err := s.withLock(func() error {
		rf, err := s.loadRunners()
		if err != nil {
			return err
		}
		for _, r := range rf.Runners {
			if namespace == "" || r.Namespace == namespace {
				out = append(out, r)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].RunnerID < out[j].RunnerID
	})
	return out, err
}

func (s *Store) DeleteRunner(ctx context.Context, namespace, runnerID string) (bool, error) {
	var deleted bool
	err := s.withLock(func() error {
		rf, err := s.loadRunners()
		if err != nil {
			return err
		}
		key := models.ItemKey(namespace, runnerID)
		if _, ok := rf.Runners[key]; !ok {
			return nil
		}
		delete(rf.Runners, key)
		deleted = true
		return s.saveRunners(rf)
	})
	return deleted, err
}
