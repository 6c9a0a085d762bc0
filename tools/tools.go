// Package tools exposes the task service as MCP tools. Each handler
// reads the authenticated user from the request context, so the tools
// only ever see the caller's own tasks.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"taskd/tasks"
)

// CreateTaskInput is the payload for the create_task tool.
type CreateTaskInput struct {
	Title       string `json:"title" jsonschema:"task title"`
	Description string `json:"description,omitempty" jsonschema:"free-form task description"`
	Priority    string `json:"priority,omitempty" jsonschema:"task priority (low, medium, high), defaults to medium"`
	DueDate     string `json:"due_date,omitempty" jsonschema:"due date in RFC 3339 format"`
}

// TaskResult is the tool-facing view of one task.
type TaskResult struct {
	ID          string `json:"id" jsonschema:"task identifier"`
	Title       string `json:"title" jsonschema:"task title"`
	Description string `json:"description,omitempty" jsonschema:"task description"`
	Status      string `json:"status" jsonschema:"task status (pending, in_progress, completed)"`
	Priority    string `json:"priority" jsonschema:"task priority"`
	DueDate     string `json:"due_date,omitempty" jsonschema:"due date in RFC 3339 format"`
	Overdue     bool   `json:"overdue" jsonschema:"true when the due date has passed and the task is not completed"`
	CreatedAt   string `json:"created_at" jsonschema:"creation timestamp"`
	UpdatedAt   string `json:"updated_at" jsonschema:"last update timestamp"`
}

// ListTasksInput narrows list_tasks results.
type ListTasksInput struct {
	Status   string `json:"status,omitempty" jsonschema:"filter by status (pending, in_progress, completed)"`
	Priority string `json:"priority,omitempty" jsonschema:"filter by priority (low, medium, high)"`
	Overdue  bool   `json:"overdue,omitempty" jsonschema:"only tasks past their due date and not completed"`
}

// ListTasksResult is the payload returned by list_tasks.
type ListTasksResult struct {
	Tasks []TaskResult `json:"tasks" jsonschema:"matching tasks, newest first"`
	Count int          `json:"count" jsonschema:"number of tasks returned"`
}

// UpdateStatusInput is the payload for update_task_status.
type UpdateStatusInput struct {
	TaskID string `json:"task_id" jsonschema:"task identifier"`
	Status string `json:"status" jsonschema:"new status (pending, in_progress, completed)"`
}

// DeleteTaskInput is the payload for delete_task.
type DeleteTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"task identifier"`
}

// DeleteTaskResult confirms a deletion.
type DeleteTaskResult struct {
	TaskID  string `json:"task_id" jsonschema:"identifier of the deleted task"`
	Deleted bool   `json:"deleted" jsonschema:"true when the task was removed"`
}

func toResult(t *tasks.Task) TaskResult {
	r := TaskResult{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Overdue:     t.Overdue(),
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
	if t.DueDate != nil {
		r.DueDate = t.DueDate.Format(time.RFC3339)
	}
	return r
}

func callerID(ctx context.Context) (string, error) {
	u, ok := tasks.FromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no authenticated user in request context")
	}
	return u.ID, nil
}

// CreateTaskHandler builds the create_task tool handler.
func CreateTaskHandler(store *tasks.Store) mcp.ToolHandlerFor[CreateTaskInput, TaskResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CreateTaskInput) (*mcp.CallToolResult, TaskResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, TaskResult{}, err
		}
		params := tasks.CreateParams{
			Title:       input.Title,
			Description: input.Description,
			Priority:    input.Priority,
		}
		if input.DueDate != "" {
			due, err := time.Parse(time.RFC3339, input.DueDate)
			if err != nil {
				return nil, TaskResult{}, fmt.Errorf("due_date must be RFC 3339: %w", err)
			}
			params.DueDate = &due
		}
		t, err := store.CreateTask(ctx, userID, params)
		if err != nil {
			if errors.Is(err, tasks.ErrInvalidInput) {
				return nil, TaskResult{}, err
			}
			return nil, TaskResult{}, fmt.Errorf("create task: %w", err)
		}
		return nil, toResult(t), nil
	}
}

// ListTasksHandler builds the list_tasks tool handler.
func ListTasksHandler(store *tasks.Store) mcp.ToolHandlerFor[ListTasksInput, ListTasksResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListTasksInput) (*mcp.CallToolResult, ListTasksResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, ListTasksResult{}, err
		}
		list, err := store.ListTasks(ctx, userID, tasks.Filter{
			Status:   input.Status,
			Priority: input.Priority,
			Overdue:  input.Overdue,
		})
		if err != nil {
			if errors.Is(err, tasks.ErrInvalidInput) {
				return nil, ListTasksResult{}, err
			}
			return nil, ListTasksResult{}, fmt.Errorf("list tasks: %w", err)
		}
		result := ListTasksResult{Tasks: make([]TaskResult, 0, len(list)), Count: len(list)}
		for _, t := range list {
			result.Tasks = append(result.Tasks, toResult(t))
		}
		return nil, result, nil
	}
}

// UpdateStatusHandler builds the update_task_status tool handler.
func UpdateStatusHandler(store *tasks.Store) mcp.ToolHandlerFor[UpdateStatusInput, TaskResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UpdateStatusInput) (*mcp.CallToolResult, TaskResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, TaskResult{}, err
		}
		if input.TaskID == "" {
			return nil, TaskResult{}, fmt.Errorf("task_id is required")
		}
		t, err := store.UpdateStatus(ctx, userID, input.TaskID, input.Status)
		if err != nil {
			switch {
			case errors.Is(err, tasks.ErrNotFound):
				return nil, TaskResult{}, fmt.Errorf("task %s not found", input.TaskID)
			case errors.Is(err, tasks.ErrInvalidInput):
				return nil, TaskResult{}, err
			default:
				return nil, TaskResult{}, fmt.Errorf("update task: %w", err)
			}
		}
		return nil, toResult(t), nil
	}
}

// DeleteTaskHandler builds the delete_task tool handler.
func DeleteTaskHandler(store *tasks.Store) mcp.ToolHandlerFor[DeleteTaskInput, DeleteTaskResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteTaskInput) (*mcp.CallToolResult, DeleteTaskResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, DeleteTaskResult{}, err
		}
		if input.TaskID == "" {
			return nil, DeleteTaskResult{}, fmt.Errorf("task_id is required")
		}
		if err := store.DeleteTask(ctx, userID, input.TaskID); err != nil {
			if errors.Is(err, tasks.ErrNotFound) {
				return nil, DeleteTaskResult{}, fmt.Errorf("task %s not found", input.TaskID)
			}
			return nil, DeleteTaskResult{}, fmt.Errorf("delete task: %w", err)
		}
		return nil, DeleteTaskResult{TaskID: input.TaskID, Deleted: true}, nil
	}
}
