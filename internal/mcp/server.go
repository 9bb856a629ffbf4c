package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/rota/internal/apiclient"
	"github.com/joescharf/rota/internal/models"
)

// Backend is the REST surface the tools call. *apiclient.Client satisfies it.
type Backend interface {
	ListShifts(ctx context.Context) ([]models.Shift, error)
	ListOpenShifts(ctx context.Context) ([]models.Shift, error)
	ShiftSummary(ctx context.Context, w apiclient.Window) (*models.ShiftSummary, error)
	ListPendingTasks(ctx context.Context) ([]models.AgentTask, error)
	CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.AgentTask, error)
	AgentChat(ctx context.Context, req models.AgentChatRequest) (*models.AgentChatResponse, error)
}

// Server exposes the hospital API as MCP tools.
type Server struct {
	api     Backend
	userID  int64
	version string
}

// NewServer creates the MCP server wrapper. userID is attached to chat
// requests; 0 leaves it out.
func NewServer(api Backend, userID int64, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{api: api, userID: userID, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("rota", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listShiftsTool())
	srv.AddTool(s.shiftSummaryTool())
	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.submitTaskTool())
	srv.AddTool(s.sendChatTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// rota_list_shifts
func (s *Server) listShiftsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rota_list_shifts",
		mcp.WithDescription("List hospital shifts. Returns a JSON array with id, start/end, required role, department, status and assignee."),
		mcp.WithBoolean("open_only", mcp.Description("Only shifts still waiting for an assignee")),
		mcp.WithString("status", mcp.Description("Filter by status: OPEN, ASSIGNED, COMPLETED, CANCELLED")),
		mcp.WithString("department", mcp.Description("Filter by department name (case-insensitive)")),
	)
	return tool, s.handleListShifts
}

func (s *Server) handleListShifts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		shifts []models.Shift
		err    error
	)
	if request.GetBool("open_only", false) {
		shifts, err = s.api.ListOpenShifts(ctx)
	} else {
		shifts, err = s.api.ListShifts(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list shifts: %v", err)), nil
	}

	status := models.ShiftStatus(strings.ToUpper(request.GetString("status", "")))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
	}
	dept := request.GetString("department", "")

	out := make([]models.Shift, 0, len(shifts))
	for _, sh := range shifts {
		if status != "" && sh.Status != status {
			continue
		}
		if dept != "" && !strings.EqualFold(sh.DepartmentName, dept) {
			continue
		}
		out = append(out, sh)
	}
	return jsonResult(out)
}

// rota_shift_summary
func (s *Server) shiftSummaryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rota_shift_summary",
		mcp.WithDescription("Aggregate schedule statistics (totals, night shifts, coverage, distributions) for a date range. Defaults to the last 7 days through the next 30."),
		mcp.WithString("start", mcp.Description("Range start, e.g. 2025-03-01T00:00:00")),
		mcp.WithString("end", mcp.Description("Range end, e.g. 2025-03-31T23:59:00")),
	)
	return tool, s.handleShiftSummary
}

func (s *Server) handleShiftSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var w apiclient.Window
	for _, f := range []struct {
		key string
		dst *time.Time
	}{{"start", &w.Start}, {"end", &w.End}} {
		v := request.GetString(f.key, "")
		if v == "" {
			continue
		}
		ts, err := models.ParseTimestamp(v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", f.key, err)), nil
		}
		*f.dst = ts.Time
	}

	sum, err := s.api.ShiftSummary(ctx, w)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load summary: %v", err)), nil
	}
	return jsonResult(sum)
}

// rota_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rota_list_tasks",
		mcp.WithDescription("List agent tasks that are still pending."),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.api.ListPendingTasks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if tasks == nil {
		tasks = []models.AgentTask{}
	}
	return jsonResult(tasks)
}

// rota_submit_task
func (s *Server) submitTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rota_submit_task",
		mcp.WithDescription("Submit a task to the scheduling agent. Returns the created task."),
		mcp.WithString("task_type", mcp.Required(), mcp.Description("Task type, e.g. SCHEDULE_OPTIMIZATION")),
		mcp.WithString("payload", mcp.Description("Free-text or JSON payload for the agent")),
	)
	return tool, s.handleSubmitTask
}

func (s *Server) handleSubmitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskType, err := request.RequireString("task_type")
	if err != nil || strings.TrimSpace(taskType) == "" {
		return mcp.NewToolResultError("missing required parameter: task_type"), nil
	}
	task, err := s.api.CreateTask(ctx, models.CreateTaskRequest{
		TaskType: taskType,
		Payload:  request.GetString("payload", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit task: %v", err)), nil
	}
	return jsonResult(task)
}

// rota_send_chat
func (s *Server) sendChatTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rota_send_chat",
		mcp.WithDescription("Ask the scheduling agent a question and wait for its reply."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message for the agent")),
	)
	return tool, s.handleSendChat
}

func (s *Server) handleSendChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil || strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	resp, err := s.api.AgentChat(ctx, models.AgentChatRequest{Content: content, UserID: s.userID})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent chat failed: %v", err)), nil
	}
	if resp.Error != "" {
		return mcp.NewToolResultError(fmt.Sprintf("agent error: %s", resp.Error)), nil
	}
	return mcp.NewToolResultText(resp.Response), nil
}
