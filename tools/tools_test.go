package tools

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskd/tasks"
)

func newToolContext(t *testing.T) (context.Context, *tasks.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := tasks.Open(filepath.Join(t.TempDir(), "tasks.db"), logger)
	if err != nil {
		t.Fatalf("tasks.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	user, err := store.ResolveUser(context.Background(), "tool-user", "tool@example.com", "Tool User")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	return tasks.NewContext(context.Background(), user), store
}

func TestCreateTaskTool(t *testing.T) {
	ctx, store := newToolContext(t)
	handler := CreateTaskHandler(store)

	due := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	_, result, err := handler(ctx, nil, CreateTaskInput{
		Title:    "file taxes",
		Priority: tasks.PriorityHigh,
		DueDate:  due,
	})
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}
	if result.ID == "" || result.Title != "file taxes" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Status != tasks.StatusPending || result.Priority != tasks.PriorityHigh {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.DueDate == "" || result.Overdue {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCreateTaskToolErrors(t *testing.T) {
	ctx, store := newToolContext(t)
	handler := CreateTaskHandler(store)

	if _, _, err := handler(ctx, nil, CreateTaskInput{}); err == nil {
		t.Fatalf("missing title must fail")
	}
	if _, _, err := handler(ctx, nil, CreateTaskInput{Title: "x", DueDate: "tomorrow"}); err == nil {
		t.Fatalf("non-RFC3339 due date must fail")
	}
	// No authenticated user in context
	if _, _, err := handler(context.Background(), nil, CreateTaskInput{Title: "x"}); err == nil {
		t.Fatalf("unauthenticated call must fail")
	}
}

func TestListTasksTool(t *testing.T) {
	ctx, store := newToolContext(t)
	create := CreateTaskHandler(store)
	list := ListTasksHandler(store)

	for _, title := range []string{"one", "two"} {
		if _, _, err := create(ctx, nil, CreateTaskInput{Title: title}); err != nil {
			t.Fatalf("create_task: %v", err)
		}
	}
	if _, _, err := create(ctx, nil, CreateTaskInput{Title: "big", Priority: tasks.PriorityHigh}); err != nil {
		t.Fatalf("create_task: %v", err)
	}

	_, all, err := list(ctx, nil, ListTasksInput{})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if all.Count != 3 || len(all.Tasks) != 3 {
		t.Fatalf("want 3 tasks, got %+v", all)
	}

	_, high, err := list(ctx, nil, ListTasksInput{Priority: tasks.PriorityHigh})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if high.Count != 1 || high.Tasks[0].Title != "big" {
		t.Fatalf("unexpected filtered result %+v", high)
	}

	if _, _, err := list(ctx, nil, ListTasksInput{Status: "archived"}); err == nil {
		t.Fatalf("unknown status filter must fail")
	}
}

func TestUpdateStatusTool(t *testing.T) {
	ctx, store := newToolContext(t)
	create := CreateTaskHandler(store)
	update := UpdateStatusHandler(store)

	_, created, err := create(ctx, nil, CreateTaskInput{Title: "progress me"})
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}

	_, updated, err := update(ctx, nil, UpdateStatusInput{TaskID: created.ID, Status: tasks.StatusInProgress})
	if err != nil {
		t.Fatalf("update_task_status: %v", err)
	}
	if updated.Status != tasks.StatusInProgress {
		t.Fatalf("status = %q", updated.Status)
	}

	if _, _, err := update(ctx, nil, UpdateStatusInput{Status: tasks.StatusCompleted}); err == nil {
		t.Fatalf("missing task_id must fail")
	}
	_, _, err = update(ctx, nil, UpdateStatusInput{TaskID: "ghost", Status: tasks.StatusCompleted})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("unknown task should report not found, got %v", err)
	}
}

func TestDeleteTaskTool(t *testing.T) {
	ctx, store := newToolContext(t)
	create := CreateTaskHandler(store)
	del := DeleteTaskHandler(store)
	list := ListTasksHandler(store)

	_, created, err := create(ctx, nil, CreateTaskInput{Title: "remove me"})
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}

	_, result, err := del(ctx, nil, DeleteTaskInput{TaskID: created.ID})
	if err != nil {
		t.Fatalf("delete_task: %v", err)
	}
	if !result.Deleted || result.TaskID != created.ID {
		t.Fatalf("unexpected result %+v", result)
	}

	_, remaining, err := list(ctx, nil, ListTasksInput{})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if remaining.Count != 0 {
		t.Fatalf("task should be gone, got %+v", remaining)
	}

	if _, _, err := del(ctx, nil, DeleteTaskInput{TaskID: created.ID}); err == nil {
		t.Fatalf("deleting twice must fail")
	}
}

func TestToolIsolationBetweenUsers(t *testing.T) {
	ctx, store := newToolContext(t)
	create := CreateTaskHandler(store)
	list := ListTasksHandler(store)

	if _, _, err := create(ctx, nil, CreateTaskInput{Title: "mine"}); err != nil {
		t.Fatalf("create_task: %v", err)
	}

	other, err := store.ResolveUser(context.Background(), "other-user", "", "")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	otherCtx := tasks.NewContext(context.Background(), other)

	_, theirs, err := list(otherCtx, nil, ListTasksInput{})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if theirs.Count != 0 {
		t.Fatalf("users must not see each other's tasks, got %+v", theirs)
	}
}
