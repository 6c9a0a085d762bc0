// Package tasks owns the durable business data: user identities
// resolved from token subjects, the tasks they manage, and the audit
// trail of task changes.
package tasks

import (
	"context"
	"errors"
	"time"
)

// Task status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Task priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

var (
	// ErrNotFound indicates the record does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("tasks: not found")
	// ErrInvalidInput indicates a validation failure on task fields.
	ErrInvalidInput = errors.New("tasks: invalid input")
)

// User is the durable identity record behind a token subject.
type User struct {
	ID        string
	Subject   string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is a unit of tracked work owned by one user.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Overdue reports whether the task is past due and still open.
func (t *Task) Overdue() bool {
	if t.DueDate == nil || t.Status == StatusCompleted {
		return false
	}
	return t.DueDate.Before(time.Now())
}

// AuditEntry records a task lifecycle event.
type AuditEntry struct {
	ID        string
	TaskID    string
	UserID    string
	Action    string
	OldStatus string
	NewStatus string
	Detail    string
	CreatedAt time.Time
}

// Filter narrows a task listing.
type Filter struct {
	Status   string
	Priority string
	Overdue  bool
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	return s == StatusPending || s == StatusInProgress || s == StatusCompleted
}

// ValidPriority reports whether p is a known task priority.
func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type userKey struct{}

// NewContext attaches the resolved user to the request context. The
// identity always travels explicitly with the call chain; nothing in
// this package reads ambient state.
func NewContext(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// FromContext retrieves the user attached by the auth middleware.
func FromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok
}
