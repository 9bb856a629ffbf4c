package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joescharf/rota/internal/models"
)

// Chat history bounds enforced by the server.
const (
	DefaultChatLimit = 50
	MaxChatLimit     = 200
)

// Window is an optional [Start, End] range for shift queries.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) query() url.Values {
	q := url.Values{}
	if !w.Start.IsZero() {
		q.Set("start", models.NewTimestamp(w.Start).LocalString())
	}
	if !w.End.IsZero() {
		q.Set("end", models.NewTimestamp(w.End).LocalString())
	}
	return q
}

// ErrorReport is a client-side failure sent to the server log.
type ErrorReport struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url,omitempty"`
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/auth/login",
		body:   models.LoginRequest{Email: email, Password: password},
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	var out models.AuthResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/auth/register", body: req, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListShifts returns every shift.
func (c *Client) ListShifts(ctx context.Context) ([]models.Shift, error) {
	var out []models.Shift
	err := c.do(ctx, call{method: http.MethodGet, path: "/shifts", out: &out, auth: true})
	return out, err
}

// ListOpenShifts returns unassigned shifts.
func (c *Client) ListOpenShifts(ctx context.Context) ([]models.Shift, error) {
	var out []models.Shift
	err := c.do(ctx, call{method: http.MethodGet, path: "/shifts/open", out: &out, auth: true})
	return out, err
}

// ListDepartmentShifts returns a department's shifts, optionally windowed.
func (c *Client) ListDepartmentShifts(ctx context.Context, departmentID int64, w Window) ([]models.Shift, error) {
	var out []models.Shift
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/shifts/department/" + strconv.FormatInt(departmentID, 10),
		query:  w.query(),
		out:    &out,
		auth:   true,
	})
	return out, err
}

// GetShift returns one shift.
func (c *Client) GetShift(ctx context.Context, id int64) (*models.Shift, error) {
	var out models.Shift
	if err := c.do(ctx, call{method: http.MethodGet, path: shiftPath(id), out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateShift creates a shift.
func (c *Client) CreateShift(ctx context.Context, req models.CreateShiftRequest) (*models.Shift, error) {
	var out models.Shift
	if err := c.do(ctx, call{method: http.MethodPost, path: "/shifts", body: req, out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateShift changes a shift's assignee, notes and status.
func (c *Client) UpdateShift(ctx context.Context, id int64, req models.UpdateShiftRequest) (*models.Shift, error) {
	var out models.Shift
	if err := c.do(ctx, call{method: http.MethodPut, path: shiftPath(id), body: req, out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteShift removes a shift.
func (c *Client) DeleteShift(ctx context.Context, id int64) error {
	return c.do(ctx, call{method: http.MethodDelete, path: shiftPath(id), auth: true})
}

// ShiftSummary returns the server-computed dashboard statistics.
func (c *Client) ShiftSummary(ctx context.Context, w Window) (*models.ShiftSummary, error) {
	var out models.ShiftSummary
	err := c.do(ctx, call{method: http.MethodGet, path: "/shifts/summary", query: w.query(), out: &out, auth: true})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTask submits an agent task.
func (c *Client) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.AgentTask, error) {
	var out models.AgentTask
	if err := c.do(ctx, call{method: http.MethodPost, path: "/agent/tasks", body: req, out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPendingTasks returns tasks that have not finished.
func (c *Client) ListPendingTasks(ctx context.Context) ([]models.AgentTask, error) {
	var out []models.AgentTask
	err := c.do(ctx, call{method: http.MethodGet, path: "/agent/tasks/pending", out: &out, auth: true})
	return out, err
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id int64) (*models.AgentTask, error) {
	var out models.AgentTask
	if err := c.do(ctx, call{method: http.MethodGet, path: taskPath(id), out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTask sets a task's status and result.
func (c *Client) UpdateTask(ctx context.Context, id int64, req models.UpdateTaskRequest) (*models.AgentTask, error) {
	var out models.AgentTask
	if err := c.do(ctx, call{method: http.MethodPut, path: taskPath(id), body: req, out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatHistory returns the most recent limit messages, oldest first. limit is
// clamped to 1..200; zero means the server default of 50.
func (c *Client) ChatHistory(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit == 0 {
		limit = DefaultChatLimit
	}
	limit = max(1, min(limit, MaxChatLimit))

	var out []models.ChatMessage
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/agent/chat",
		query:  url.Values{"limit": []string{strconv.Itoa(limit)}},
		out:    &out,
		auth:   true,
	})
	return out, err
}

// AgentChat asks the agent a question and waits for its reply.
func (c *Client) AgentChat(ctx context.Context, req models.AgentChatRequest) (*models.AgentChatResponse, error) {
	var out models.AgentChatResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/agent/coze-chat", body: req, out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportError sends a client failure to the server log. The credential is
// attached when one is held but not required.
func (c *Client) ReportError(ctx context.Context, r ErrorReport) error {
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return c.do(ctx, call{method: http.MethodPost, path: "/logs/error", body: r})
}

func shiftPath(id int64) string { return "/shifts/" + strconv.FormatInt(id, 10) }

func taskPath(id int64) string { return "/agent/tasks/" + strconv.FormatInt(id, 10) }
