// Package store provides the SQLite-backed durable queue backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const busyRetries = 5

// Store is a queue.Backend over a SQLite database. Conditional writes use
// UPDATE ... WHERE status = ? so concurrent processes sharing the file
// arbitrate claims through the database.
type Store struct {
	db        *sql.DB
	namespace string
	owner     bool
}

var _ queue.Backend = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and runs migrations.
func New(dbPath, namespace string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, namespace: namespace, owner: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// WithNamespace returns a store for namespace sharing this store's
// connection. Closing it is a no-op; close the original instead.
func (s *Store) WithNamespace(namespace string) *Store {
	return &Store{db: s.db, namespace: namespace}
}

// Namespace returns the store's namespace.
func (s *Store) Namespace() string {
	return s.namespace
}

// Close closes the database connection.
func (s *Store) Close() error {
	if !s.owner {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		namespace TEXT NOT NULL,
		task_id TEXT NOT NULL,
		task_group_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		clarification TEXT,
		conversation_history TEXT,
		PRIMARY KEY (namespace, task_id)
	);

	CREATE TABLE IF NOT EXISTS runners (
		namespace TEXT NOT NULL,
		runner_id TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		project_root TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (namespace, runner_id)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_ns_status_created ON tasks(namespace, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_ns_group ON tasks(namespace, task_group_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

const taskColumns = `namespace, task_id, task_group_id, session_id, task_type, status, prompt,
	created_at, updated_at, error_message, output, clarification, conversation_history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item                 models.QueueItem
		createdAt, updatedAt int64
		clarification        sql.NullString
		history              sql.NullString
	)
	err := row.Scan(&item.Namespace, &item.TaskID, &item.TaskGroupID, &item.SessionID, &item.TaskType,
		&item.Status, &item.Prompt, &createdAt, &updatedAt, &item.ErrorMessage, &item.Output,
		&clarification, &history)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if clarification.Valid && clarification.String != "" {
		item.Clarification = &models.Clarification{}
		if err := json.Unmarshal([]byte(clarification.String), item.Clarification); err != nil {
			return nil, fmt.Errorf("decode clarification: %w", err)
		}
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &item.ConversationHistory); err != nil {
			return nil, fmt.Errorf("decode conversation history: %w", err)
		}
	}
	return &item, nil
}

func encodeJSON(clarification *models.Clarification, history []models.ConversationEntry) (sql.NullString, sql.NullString, error) {
	var c, h sql.NullString
	if clarification != nil {
		data, err := json.Marshal(clarification)
		if err != nil {
			return c, h, fmt.Errorf("encode clarification: %w", err)
		}
		c = sql.NullString{String: string(data), Valid: true}
	}
	if len(history) > 0 {
		data, err := json.Marshal(history)
		if err != nil {
			return c, h, fmt.Errorf("encode conversation history: %w", err)
		}
		h = sql.NullString{String: string(data), Valid: true}
	}
	return c, h, nil
}

// Insert adds item, failing with queue.ErrTaskExists on a duplicate key.
func (s *Store) Insert(ctx context.Context, item models.QueueItem) error {
	clarification, history, err := encodeJSON(item.Clarification, item.ConversationHistory)
	if err != nil {
		return err
	}

	var affected int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (namespace, task_id) DO NOTHING`,
			item.Namespace, item.TaskID, item.TaskGroupID, item.SessionID, item.TaskType, item.Status, item.Prompt,
			item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(), item.ErrorMessage, item.Output,
			clarification, history,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if affected == 0 {
		return queue.ErrTaskExists
	}
	return nil
}

// Get retrieves an item by namespace and id.
func (s *Store) Get(ctx context.Context, namespace, taskID string) (*models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE namespace = ? AND task_id = ?`,
		namespace, taskID,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return item, nil
}

// List returns the items matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]models.QueueItem, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		where []string
		args  []any
	)
	if !filter.AllNamespaces {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.TaskGroupID != "" {
		where = append(where, "task_group_id = ?")
		args = append(args, filter.TaskGroupID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// OldestQueued returns the QUEUED item with the smallest created_at.
func (s *Store) OldestQueued(ctx context.Context, namespace string) (*models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE namespace = ? AND status = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		namespace, models.StatusQueued,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query oldest queued: %w", err)
	}
	return item, nil
}

// CompareAndSwap writes next only while the stored status equals expect.
func (s *Store) CompareAndSwap(ctx context.Context, next models.QueueItem, expect models.TaskStatus) (bool, error) {
	return s.update(ctx, next, ` AND status = ?`, expect)
}

// Update writes item unconditionally.
func (s *Store) Update(ctx context.Context, item models.QueueItem) (bool, error) {
	return s.update(ctx, item, "")
}

func (s *Store) update(ctx context.Context, item models.QueueItem, guard string, guardArgs ...any) (bool, error) {
	clarification, history, err := encodeJSON(item.Clarification, item.ConversationHistory)
	if err != nil {
		return false, err
	}
	args := []any{
		item.Status, item.UpdatedAt.UnixNano(), item.ErrorMessage, item.Output, clarification, history,
		item.Namespace, item.TaskID,
	}
	args = append(args, guardArgs...)

	var affected int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ?, error_message = ?, output = ?,
			 clarification = ?, conversation_history = ?
			 WHERE namespace = ? AND task_id = ?`+guard,
			args...,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	return affected == 1, nil
}

// --- Runner Operations ---

// PutRunner upserts a runner record.
func (s *Store) PutRunner(ctx context.Context, r models.RunnerRecord) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runners (namespace, runner_id, last_heartbeat, started_at, status, project_root)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (namespace, runner_id) DO UPDATE SET
			   last_heartbeat = excluded.last_heartbeat,
			   started_at = excluded.started_at,
			   status = excluded.status,
			   project_root = excluded.project_root`,
			r.Namespace, r.RunnerID, r.LastHeartbeat.UnixNano(), r.StartedAt.UnixNano(), r.Status, r.ProjectRoot,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

func scanRunner(row rowScanner) (*models.RunnerRecord, error) {
	var (
		r                  models.RunnerRecord
		heartbeat, started int64
	)
	if err := row.Scan(&r.Namespace, &r.RunnerID, &heartbeat, &started, &r.Status, &r.ProjectRoot); err != nil {
		return nil, err
	}
	r.LastHeartbeat = time.Unix(0, heartbeat).UTC()
	r.StartedAt = time.Unix(0, started).UTC()
	return &r, nil
}

// GetRunner retrieves a runner record.
func (s *Store) GetRunner(ctx context.Context, namespace, runnerID string) (*models.RunnerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT namespace, runner_id, last_heartbeat, started_at, status, project_root
		 FROM runners WHERE namespace = ? AND runner_id = ?`,
		namespace, runnerID,
	)
	r, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query runner: %w", err)
	}
	return r, nil
}

// ListRunners returns runners of namespace, or all runners when namespace is empty.
func (s *Store) ListRunners(ctx context.Context, namespace string) ([]models.RunnerRecord, error) {
	query := `SELECT namespace, runner_id, last_heartbeat, started_at, status, project_root FROM runners`
	var args []any
	if namespace != "" {
		query += ` WHERE namespace = ?`
		args = append(args, namespace)
	}
	query += ` ORDER BY namespace, runner_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runners: %w", err)
	}
	defer rows.Close()

	var runners []models.RunnerRecord
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, *r)
	}
	return runners, rows.Err()
}

// DeleteRunner removes a runner record.
func (s *Store) DeleteRunner(ctx context.Context, namespace, runnerID string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM runners WHERE namespace = ? AND runner_id = ?`, namespace, runnerID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete runner: %w", err)
	}
	return affected > 0, nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, pdr models.PDREntry) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert pdr: %w", err)
	}
	return nil
}

// ListPDR returns the newest records first, optionally for one task.
func (s *Store) ListPDR(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var (
			e                models.PDREntry
			taskIDs, details sql.NullString
			ts               int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &taskIDs, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = taskIDs.String
		e.Details = details.String
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// retryOnBusy retries f with jittered exponential backoff while SQLite
// reports the database as busy or locked.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Intn(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Extended codes such as SQLITE_BUSY_SNAPSHOT keep the primary code in the low byte.
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// Errors that lost their type still carry SQLite's own text for codes 5 and 6.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
