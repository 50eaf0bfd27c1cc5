// Package archive persists terminal tasks to a local sqlite database so
// task history survives daemon restarts and queue-state rotation.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/poppobuilder/poppo/internal/task"
)

// ErrNotFound indicates the task id is not in the archive.
var ErrNotFound = errors.New("task not found in archive")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    project_id   TEXT NOT NULL,
    issue_id     INTEGER NOT NULL,
    type         TEXT NOT NULL,
    priority     INTEGER NOT NULL,
    status       TEXT NOT NULL,
    enqueued_at  TEXT NOT NULL,
    started_at   TEXT,
    completed_at TEXT,
    retries      INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Archive is a sqlite-backed store of terminal tasks.
type Archive struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed and
// applies the schema. Use ":memory:" for tests.
func Open(path string) (*Archive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error { return a.db.Close() }

// Record upserts one terminal task. Non-terminal tasks are rejected.
func (a *Archive) Record(ctx context.Context, t *task.Task) error {
	if !t.IsTerminal() {
		return fmt.Errorf("archiving non-terminal task %s in status %s", t.ID, t.Status)
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, issue_id, type, priority, status,
		                   enqueued_at, started_at, completed_at, retries, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    status = excluded.status,
		    started_at = excluded.started_at,
		    completed_at = excluded.completed_at,
		    retries = excluded.retries,
		    last_error = excluded.last_error`,
		t.ID, t.ProjectID, t.IssueID, t.Type, t.Priority, string(t.Status),
		formatTime(&t.EnqueuedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
		t.Retries, t.LastError)
	if err != nil {
		return fmt.Errorf("recording task %s: %w", t.ID, err)
	}
	return nil
}

// Query filters List results. Zero values match everything.
type Query struct {
	ProjectID string
	Status    task.Status
	Limit     int
	Offset    int
}

const defaultListLimit = 100

// List returns archived tasks newest-first.
func (a *Archive) List(ctx context.Context, q Query) ([]*task.Task, error) {
	where := "WHERE 1=1"
	args := []any{}
	if q.ProjectID != "" {
		where += " AND project_id = ?"
		args = append(args, q.ProjectID)
	}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, string(q.Status))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit, q.Offset)

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, project_id, issue_id, type, priority, status,
		       enqueued_at, started_at, completed_at, retries, last_error
		FROM tasks `+where+`
		ORDER BY completed_at DESC, id
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing archived tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get looks up one archived task by id.
func (a *Archive) Get(ctx context.Context, id string) (*task.Task, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, project_id, issue_id, type, priority, status,
		       enqueued_at, started_at, completed_at, retries, last_error
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// CountByStatus returns per-status totals, optionally scoped to a project.
func (a *Archive) CountByStatus(ctx context.Context, projectID string) (map[task.Status]int, error) {
	query := "SELECT status, COUNT(*) FROM tasks"
	args := []any{}
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " GROUP BY status"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting archived tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var status, enqueued string
	var started, completed sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.IssueID, &t.Type, &t.Priority, &status,
		&enqueued, &started, &completed, &t.Retries, &t.LastError); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)

	ts, err := parseTime(enqueued)
	if err != nil {
		return nil, fmt.Errorf("task %s: bad enqueued_at: %w", t.ID, err)
	}
	t.EnqueuedAt = ts
	if t.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, fmt.Errorf("task %s: bad started_at: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, fmt.Errorf("task %s: bad completed_at: %w", t.ID, err)
	}
	return &t, nil
}

func formatTime(t *time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	ts, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
