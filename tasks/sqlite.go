package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL UNIQUE,
	email      TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	priority    TEXT NOT NULL DEFAULT 'medium',
	due_date    INTEGER,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	CHECK (status IN ('pending', 'in_progress', 'completed')),
	CHECK (priority IN ('low', 'medium', 'high'))
);
CREATE INDEX IF NOT EXISTS ix_tasks_user_status ON tasks(user_id, status);
CREATE INDEX IF NOT EXISTS ix_tasks_user_priority ON tasks(user_id, priority);
CREATE INDEX IF NOT EXISTS ix_tasks_due_status ON tasks(due_date, status);

CREATE TABLE IF NOT EXISTS task_audit_log (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	action     TEXT NOT NULL,
	old_status TEXT NOT NULL DEFAULT '',
	new_status TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_audit_task_user ON task_audit_log(task_id, user_id);
`

// Store implements user and task persistence over a single SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the store and bootstraps the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("tasks: storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func toMillis(v time.Time) int64 { return v.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// ResolveUser returns the user for an external subject, creating the
// record on first sight. Keyed by the subject's unique index, so
// concurrent first-time resolutions converge on one row.
func (s *Store) ResolveUser(ctx context.Context, subject, email, name string) (*User, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidInput)
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, subject, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject) DO NOTHING`,
		uuid.NewString(), subject, email, name, toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, email, name, created_at, updated_at
		FROM users WHERE subject = ?`, subject)
	var u User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.Name, &created, &updated); err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

// GetUser looks up a user by internal identifier.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, email, name, created_at, updated_at
		FROM users WHERE id = ?`, id)
	var u User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.Name, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

// CreateParams carries the fields accepted when creating a task.
type CreateParams struct {
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time
}

// CreateTask inserts a pending task and its creation audit entry in one
// transaction.
func (s *Store) CreateTask(ctx context.Context, userID string, p CreateParams) (*Task, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, p.Priority)
	}

	now := time.Now()
	t := &Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: p.Description,
		Status:      StatusPending,
		Priority:    priority,
		DueDate:     p.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var due any
	if t.DueDate != nil {
		due = toMillis(*t.DueDate)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, status, priority, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Description, t.Status, t.Priority, due, toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	detail, _ := json.Marshal(map[string]string{"title": t.Title, "priority": t.Priority})
	if err := insertAudit(ctx, tx, t.ID, userID, "created", "", StatusPending, string(detail)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("task created", "task_id", t.ID, "user_id", userID, "priority", t.Priority)
	return t, nil
}

// ListTasks returns the user's tasks, newest first, narrowed by filter.
func (s *Store) ListTasks(ctx context.Context, userID string, f Filter) ([]*Task, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	if f.Priority != "" && !ValidPriority(f.Priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, f.Priority)
	}

	query := `
		SELECT id, user_id, title, description, status, priority, due_date, created_at, updated_at
		FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, f.Priority)
	}
	if f.Overdue {
		query += ` AND due_date IS NOT NULL AND due_date < ? AND status != ?`
		args = append(args, toMillis(time.Now()), StatusCompleted)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask fetches a single task owned by the user.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, description, status, priority, due_date, created_at, updated_at
		FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateStatus transitions a task to a new status and records the audit
// entry. The update is scoped to the owning user.
func (s *Store) UpdateStatus(ctx context.Context, userID, taskID, status string) (*Task, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	current, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		status, toMillis(now), taskID, userID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := insertAudit(ctx, tx, taskID, userID, "status_update", current.Status, status, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	current.Status = status
	current.UpdatedAt = now
	return current, nil
}

// DeleteTask removes a task and leaves a deletion audit entry.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) error {
	current, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := insertAudit(ctx, tx, taskID, userID, "deleted", current.Status, "", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// AuditTrail lists audit entries for one task, oldest first.
func (s *Store) AuditTrail(ctx context.Context, userID, taskID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, action, old_status, new_status, detail, created_at
		FROM task_audit_log WHERE task_id = ? AND user_id = ?
		ORDER BY created_at ASC`, taskID, userID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.Action, &e.OldStatus, &e.NewStatus, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, tx *sql.Tx, taskID, userID, action, oldStatus, newStatus, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_audit_log (id, task_id, user_id, action, old_status, new_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, userID, action, oldStatus, newStatus, detail, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var due sql.NullInt64
	var created, updated int64
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority, &due, &created, &updated); err != nil {
		return nil, err
	}
	if due.Valid {
		d := fromMillis(due.Int64)
		t.DueDate = &d
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
