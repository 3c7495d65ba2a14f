package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/attemptd/internal/model"

	_ "modernc.org/sqlite"
)

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS attempts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    project          TEXT NOT NULL,
    workflow         TEXT NOT NULL,
    status           TEXT NOT NULL,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    done             INTEGER NOT NULL DEFAULT 0,
    success          INTEGER NOT NULL DEFAULT 0,
    ttl_ms           INTEGER NOT NULL DEFAULT 0,
    started_at       DATETIME NOT NULL,
    finished_at      DATETIME
)`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id  INTEGER NOT NULL REFERENCES attempts(id),
    name        TEXT NOT NULL,
    operator    TEXT NOT NULL,
    params      TEXT,
    status      TEXT NOT NULL,
    error       TEXT,
    ttl_ms      INTEGER NOT NULL DEFAULT 0,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createTasksIndex = `CREATE INDEX IF NOT EXISTS tasks_attempt_status ON tasks (attempt_id, status)`

const attemptColumns = `id, project, workflow, status, cancel_requested, done, success,
	ttl_ms, started_at, finished_at`

const taskColumns = `id, attempt_id, name, operator, params, status, error,
	ttl_ms, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway, and a single connection keeps a
	// ":memory:" database shared between the reaper and the executor.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createAttemptsTable, createTasksTable, createTasksIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAttempt inserts a new running attempt and assigns its ID.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	if a.Status == "" {
		a.Status = model.AttemptStatusRunning
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (project, workflow, status, ttl_ms, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.Project, a.Workflow, a.Status, a.TTL.Milliseconds(), a.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("attempt id: %w", err)
	}
	a.ID = id
	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id int64) (*model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns a page of attempts ordered newest first, along with
// the total number of attempts.
func (s *SQLiteStore) ListAttempts(ctx context.Context, limit, offset int) ([]*model.Attempt, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM attempts").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

// ListActiveAttempts returns every attempt that is not done.
func (s *SQLiteStore) ListActiveAttempts(ctx context.Context) ([]*model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE done = 0 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active attempts: %w", err)
	}
	return collectAttempts(rows)
}

// CreateTask inserts a task in the running state and assigns its ID.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	if t.Status == "" {
		t.Status = model.TaskStatusRunning
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode task params: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (attempt_id, name, operator, params, status, ttl_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.AttemptID, t.Name, t.Operator, string(params), t.Status, t.TTL.Milliseconds(), t.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	t.ID = id
	return nil
}

// ListTasks returns all tasks of an attempt in start order.
func (s *SQLiteStore) ListTasks(ctx context.Context, attemptID int64) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE attempt_id = ? ORDER BY id`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListActiveTasks returns the running tasks of an attempt.
func (s *SQLiteStore) ListActiveTasks(ctx context.Context, attemptID int64) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE attempt_id = ? AND status = ? ORDER BY id`,
		attemptID, model.TaskStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return collectTasks(rows)
}

// CompareAndSetCancelRequested sets cancel_requested on a live attempt. It
// reports true only for the call that flipped the flag.
func (s *SQLiteStore) CompareAndSetCancelRequested(ctx context.Context, attemptID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET cancel_requested = 1, status = ?
		WHERE id = ? AND cancel_requested = 0 AND done = 0`,
		model.AttemptStatusCancelRequested, attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return s.transitioned(ctx, res, "attempts", attemptID)
}

// MarkTaskTimedOut moves a running task to timed_out.
func (s *SQLiteStore) MarkTaskTimedOut(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		model.TaskStatusTimedOut, time.Now().UTC(), taskID, model.TaskStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("mark task timed out: %w", err)
	}
	return s.transitioned(ctx, res, "tasks", taskID)
}

// MarkTaskFinished moves a running task to finished. A non-empty errMsg
// records the task as failed. Tasks that already timed out are left alone.
func (s *SQLiteStore) MarkTaskFinished(ctx context.Context, taskID int64, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`,
		model.TaskStatusFinished, errMsg, time.Now().UTC(), taskID, model.TaskStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("mark task finished: %w", err)
	}
	return s.transitioned(ctx, res, "tasks", taskID)
}

// MarkAttemptDone sets done and success on an attempt that is not done yet.
func (s *SQLiteStore) MarkAttemptDone(ctx context.Context, attemptID int64, success bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET done = 1, success = ?, status = ?, finished_at = ?
		WHERE id = ? AND done = 0`,
		success, model.AttemptStatusDone, time.Now().UTC(), attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("mark attempt done: %w", err)
	}
	return s.transitioned(ctx, res, "attempts", attemptID)
}

// transitioned interprets the result of a guarded update. Zero affected rows
// means either the guard rejected the update or the row does not exist.
func (s *SQLiteStore) transitioned(ctx context.Context, res sql.Result, table string, id int64) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check %s exists: %w", table, err)
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (*model.Attempt, error) {
	a := &model.Attempt{}
	var ttlMS int64
	if err := r.Scan(
		&a.ID, &a.Project, &a.Workflow, &a.Status, &a.CancelRequested, &a.Done, &a.Success,
		&ttlMS, &a.StartedAt, &a.FinishedAt,
	); err != nil {
		return nil, err
	}
	a.TTL = time.Duration(ttlMS) * time.Millisecond
	return a, nil
}

func scanTask(r rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var (
		params sql.NullString
		errMsg sql.NullString
		ttlMS  int64
	)
	if err := r.Scan(
		&t.ID, &t.AttemptID, &t.Name, &t.Operator, &params, &t.Status, &errMsg,
		&ttlMS, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &t.Params); err != nil {
			return nil, fmt.Errorf("decode task params: %w", err)
		}
	}
	t.Error = errMsg.String
	t.TTL = time.Duration(ttlMS) * time.Millisecond
	return t, nil
}

func collectAttempts(rows *sql.Rows) ([]*model.Attempt, error) {
	defer rows.Close()

	var attempts []*model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
