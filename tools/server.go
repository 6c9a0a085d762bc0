package tools

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"taskd/tasks"
)

const (
	serverName    = "taskd"
	serverVersion = "1.0.0"
)

// NewServer builds the MCP server with the task tools registered.
func NewServer(store *tasks.Store) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_task",
		Description: "Create a task for the authenticated user",
	}, CreateTaskHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List the authenticated user's tasks, optionally filtered by status, priority, or overdue",
	}, ListTasksHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_task_status",
		Description: "Change a task's status",
	}, UpdateStatusHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_task",
		Description: "Delete a task",
	}, DeleteTaskHandler(store))

	return server
}

// Handler wraps the MCP server in the streamable HTTP transport. The
// caller mounts it behind the bearer-token middleware.
func Handler(store *tasks.Store) http.Handler {
	server := NewServer(store)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}
