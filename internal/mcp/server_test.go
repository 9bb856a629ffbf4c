package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/rota/internal/apiclient"
	"github.com/joescharf/rota/internal/models"
)

// ---------------------------------------------------------------------------
// Mock implementation
// ---------------------------------------------------------------------------

type mockAPI struct {
	shifts     []models.Shift
	open       []models.Shift
	tasks      []models.AgentTask
	summary    *models.ShiftSummary
	chatReply  *models.AgentChatResponse
	err        error
	gotWindow  apiclient.Window
	gotTask    models.CreateTaskRequest
	gotChat    models.AgentChatRequest
	openCalled bool
}

func (m *mockAPI) ListShifts(context.Context) ([]models.Shift, error) { return m.shifts, m.err }

func (m *mockAPI) ListOpenShifts(context.Context) ([]models.Shift, error) {
	m.openCalled = true
	return m.open, m.err
}

func (m *mockAPI) ShiftSummary(_ context.Context, w apiclient.Window) (*models.ShiftSummary, error) {
	m.gotWindow = w
	return m.summary, m.err
}

func (m *mockAPI) ListPendingTasks(context.Context) ([]models.AgentTask, error) { return m.tasks, m.err }

func (m *mockAPI) CreateTask(_ context.Context, req models.CreateTaskRequest) (*models.AgentTask, error) {
	m.gotTask = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.AgentTask{ID: 11, TaskType: req.TaskType, Payload: req.Payload, Status: models.TaskStatusPending}, nil
}

func (m *mockAPI) AgentChat(_ context.Context, req models.AgentChatRequest) (*models.AgentChatResponse, error) {
	m.gotChat = req
	if m.err != nil {
		return nil, m.err
	}
	return m.chatReply, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), "failed to parse result JSON: %s", text)
}

func sampleShifts() []models.Shift {
	return []models.Shift{
		{ID: 1, Status: models.ShiftStatusOpen, DepartmentName: "ICU"},
		{ID: 2, Status: models.ShiftStatusAssigned, DepartmentName: "ER"},
		{ID: 3, Status: models.ShiftStatusOpen, DepartmentName: "er"},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv := NewServer(&mockAPI{}, 0, "")
	require.NotNil(t, srv.MCPServer())
	assert.Equal(t, "dev", srv.version)
}

func TestHandleListShifts(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want []int64
	}{
		{"all", nil, []int64{1, 2, 3}},
		{"by status", map[string]any{"status": "open"}, []int64{1, 3}},
		{"by department", map[string]any{"department": "ER"}, []int64{2, 3}},
		{"both", map[string]any{"status": "ASSIGNED", "department": "er"}, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&mockAPI{shifts: sampleShifts()}, 0, "test")
			result, err := srv.handleListShifts(context.Background(), callToolReq("rota_list_shifts", tt.args))
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			var got []models.Shift
			resultJSON(t, result, &got)
			ids := make([]int64, 0, len(got))
			for _, s := range got {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestHandleListShifts_OpenOnly(t *testing.T) {
	api := &mockAPI{open: []models.Shift{{ID: 9}}}
	srv := NewServer(api, 0, "test")
	result, err := srv.handleListShifts(context.Background(), callToolReq("rota_list_shifts", map[string]any{"open_only": true}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, api.openCalled)
}

func TestHandleListShifts_Errors(t *testing.T) {
	srv := NewServer(&mockAPI{shifts: sampleShifts()}, 0, "test")
	result, err := srv.handleListShifts(context.Background(), callToolReq("rota_list_shifts", map[string]any{"status": "ON_FIRE"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	srv = NewServer(&mockAPI{err: errors.New("GET /shifts: HTTP 500")}, 0, "test")
	result, err = srv.handleListShifts(context.Background(), callToolReq("rota_list_shifts", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "HTTP 500")
}

func TestHandleShiftSummary(t *testing.T) {
	api := &mockAPI{summary: &models.ShiftSummary{TotalShifts: 12, NightShifts: 4}}
	srv := NewServer(api, 0, "test")

	result, err := srv.handleShiftSummary(context.Background(), callToolReq("rota_shift_summary", map[string]any{
		"start": "2025-03-01T00:00:00",
		"end":   "2025-03-31T23:59:00",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var sum models.ShiftSummary
	resultJSON(t, result, &sum)
	assert.Equal(t, int64(12), sum.TotalShifts)
	assert.True(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local).Equal(api.gotWindow.Start))
	assert.Equal(t, 31, api.gotWindow.End.Day())
}

func TestHandleShiftSummary_DefaultAndInvalid(t *testing.T) {
	api := &mockAPI{summary: &models.ShiftSummary{}}
	srv := NewServer(api, 0, "test")

	result, err := srv.handleShiftSummary(context.Background(), callToolReq("rota_shift_summary", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, api.gotWindow.Start.IsZero(), "server applies its own default window")

	result, err = srv.handleShiftSummary(context.Background(), callToolReq("rota_shift_summary", map[string]any{"start": "next week"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListTasks_EmptyIsArray(t *testing.T) {
	srv := NewServer(&mockAPI{}, 0, "test")
	result, err := srv.handleListTasks(context.Background(), callToolReq("rota_list_tasks", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleSubmitTask(t *testing.T) {
	api := &mockAPI{}
	srv := NewServer(api, 0, "test")

	result, err := srv.handleSubmitTask(context.Background(), callToolReq("rota_submit_task", map[string]any{
		"task_type": "SCHEDULE_OPTIMIZATION",
		"payload":   `{"department":"ICU"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var task models.AgentTask
	resultJSON(t, result, &task)
	assert.Equal(t, int64(11), task.ID)
	assert.Equal(t, `{"department":"ICU"}`, api.gotTask.Payload)
}

func TestHandleSubmitTask_MissingType(t *testing.T) {
	srv := NewServer(&mockAPI{}, 0, "test")
	result, err := srv.handleSubmitTask(context.Background(), callToolReq("rota_submit_task", map[string]any{"payload": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "should error when task_type is missing")
}

func TestHandleSendChat(t *testing.T) {
	api := &mockAPI{chatReply: &models.AgentChatResponse{Response: "Ana covers ICU tonight.", Status: "success"}}
	srv := NewServer(api, 7, "test")

	result, err := srv.handleSendChat(context.Background(), callToolReq("rota_send_chat", map[string]any{"content": "who covers ICU?"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "Ana covers ICU tonight.", resultText(t, result))
	assert.Equal(t, int64(7), api.gotChat.UserID)
}

func TestHandleSendChat_AgentError(t *testing.T) {
	api := &mockAPI{chatReply: &models.AgentChatResponse{Status: "error", Error: "agent offline"}}
	srv := NewServer(api, 0, "test")

	result, err := srv.handleSendChat(context.Background(), callToolReq("rota_send_chat", map[string]any{"content": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "agent offline")

	result, err = srv.handleSendChat(context.Background(), callToolReq("rota_send_chat", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
