package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/reconcile"
	"github.com/joescharf/rota/internal/transport"
)

// fakeService stands in for the scheduling service's REST API.
func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Now()
	assignee := int64(7)
	shifts := []models.Shift{
		{ID: 1, StartTime: models.NewTimestamp(now.Add(-time.Hour)), EndTime: models.NewTimestamp(now.Add(7 * time.Hour)),
			RequiredRole: models.RoleNurse, Status: models.ShiftStatusAssigned, DepartmentName: "ICU",
			AssigneeUserID: &assignee, AssigneeName: "Ana Lima"},
		{ID: 2, StartTime: models.NewTimestamp(now.Add(24 * time.Hour)), EndTime: models.NewTimestamp(now.Add(32 * time.Hour)),
			RequiredRole: models.RoleDoctor, Status: models.ShiftStatusOpen, DepartmentName: "ER"},
	}

	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req models.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			reply(w, map[string]string{"message": "Bad credentials"})
			return
		}
		reply(w, models.AuthResponse{Token: "tok", UserID: 7, Email: req.Email, FullName: "Ana Lima", Roles: []models.Role{models.RoleNurse}})
	})
	mux.HandleFunc("GET /api/shifts", func(w http.ResponseWriter, r *http.Request) { reply(w, shifts) })
	mux.HandleFunc("GET /api/agent/tasks/pending", func(w http.ResponseWriter, r *http.Request) {
		reply(w, []models.AgentTask{{ID: 5, TaskType: "FILL_GAPS", Status: models.TaskStatusPending, Payload: "{}"}})
	})
	mux.HandleFunc("POST /api/agent/coze-chat", func(w http.ResponseWriter, r *http.Request) {
		var req models.AgentChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reply(w, models.AgentChatResponse{Response: "Echo: " + req.Content, Status: "OK"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// cliEnv isolates config and points the client at a fake service. Output is
// captured in the returned buffer.
func cliEnv(t *testing.T) *bytes.Buffer {
	t.Helper()
	testEnv(t)
	srv := fakeService(t)
	viper.Set("api.base_url", srv.URL+"/api")

	var out bytes.Buffer
	ui.Out = &out
	ui.ErrOut = &out
	jsonOut = false
	t.Cleanup(func() { jsonOut = false })
	return &out
}

func login(t *testing.T) {
	t.Helper()
	loginEmail, loginPassword, loginPasswordStdin = "ana@hospital.org", "secret", false
	require.NoError(t, loginRun(strings.NewReader("")))
}

func TestLogin_PersistsSession(t *testing.T) {
	out := cliEnv(t)
	login(t)
	assert.Contains(t, out.String(), "Logged in as Ana Lima")

	// A fresh process sees the stored session.
	closeDeps()
	logger, sessionStore, coord = nil, nil, nil
	out.Reset()
	require.NoError(t, whoamiRun())
	assert.Contains(t, out.String(), "ana@hospital.org")
	assert.Contains(t, out.String(), "NURSE")
}

func TestLogin_BadPassword(t *testing.T) {
	cliEnv(t)
	loginEmail, loginPassword, loginPasswordStdin = "ana@hospital.org", "wrong", false
	err := loginRun(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad credentials")
}

func TestLogin_PasswordFromStdin(t *testing.T) {
	cliEnv(t)
	loginEmail, loginPassword, loginPasswordStdin = "ana@hospital.org", "", true
	t.Cleanup(func() { loginPasswordStdin = false })
	require.NoError(t, loginRun(strings.NewReader("secret\n")))
}

func TestCommands_RequireLogin(t *testing.T) {
	cliEnv(t)
	for name, run := range map[string]func() error{
		"shift list": shiftListRun,
		"task list":  taskListRun,
		"whoami":     whoamiRun,
		"summary":    summaryRun,
	} {
		err := run()
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "not logged in", name)
	}
}

func TestShiftList_FiltersByStatus(t *testing.T) {
	out := cliEnv(t)
	login(t)
	out.Reset()

	shiftStatus, jsonOut = "open", true
	t.Cleanup(func() { shiftStatus = "" })
	require.NoError(t, shiftListRun())

	var got []models.Shift
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)

	shiftStatus = "sleeping"
	assert.Error(t, shiftListRun())
}

func TestSummary_Local(t *testing.T) {
	out := cliEnv(t)
	login(t)
	out.Reset()

	summaryLocal, jsonOut = true, true
	t.Cleanup(func() { summaryLocal = false })
	require.NoError(t, summaryRun())

	var got struct {
		Summary models.ShiftSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, int64(2), got.Summary.TotalShifts)
	assert.Equal(t, int64(1), got.Summary.AssignedShifts)
	assert.Equal(t, int64(1), got.Summary.TotalAssignees)
}

func TestSummaryWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	t.Cleanup(func() { summaryStart, summaryEnd = "", "" })

	summaryStart, summaryEnd = "", ""
	w, err := summaryWindow(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-7*24*time.Hour), w.Start)

	summaryStart, summaryEnd = "2025-03-01", "2025-03-05T18:00"
	w, err = summaryWindow(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local), w.Start)
	assert.Equal(t, time.Date(2025, 3, 5, 18, 0, 0, 0, time.Local), w.End)

	summaryStart, summaryEnd = "2025-03-05", "2025-03-01"
	_, err = summaryWindow(now)
	assert.Error(t, err)
}

func TestTaskList(t *testing.T) {
	out := cliEnv(t)
	login(t)
	out.Reset()

	require.NoError(t, taskListRun())
	assert.Contains(t, out.String(), "FILL_GAPS")
}

func TestChatAsk(t *testing.T) {
	out := cliEnv(t)
	login(t)
	out.Reset()

	require.NoError(t, chatAskRun("who is on tonight?"))
	assert.Equal(t, "Echo: who is on tonight?\n", out.String())
}

func TestSessionImport(t *testing.T) {
	out := cliEnv(t)
	export := `{"jwt_token":"legacy-tok","user":"{\"userId\":11,\"fullName\":\"Bo Chen\"}","lastLogin":"1700000000000"}`

	require.NoError(t, sessionImportRun("-", strings.NewReader(export)))
	assert.Contains(t, out.String(), "Bo Chen")

	c, err := getCoordinator()
	require.NoError(t, err)
	assert.Equal(t, "legacy-tok", c.Session().Token)
}

func TestLogout(t *testing.T) {
	out := cliEnv(t)
	login(t)
	require.NoError(t, logoutRun())
	assert.Contains(t, out.String(), "Logged out")
	assert.Error(t, whoamiRun())
}

func TestParseRoles(t *testing.T) {
	roles, err := parseRoles([]string{"nurse", " Doctor "})
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleNurse, models.RoleDoctor}, roles)

	_, err = parseRoles([]string{"janitor"})
	assert.Error(t, err)
}

func TestParseWhen(t *testing.T) {
	got, err := parseWhen("2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.Local), got)

	got, err = parseWhen("2025-03-10T07:30:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 10, 7, 30, 0, 0, time.UTC)))

	_, err = parseWhen("tomorrow")
	assert.Error(t, err)
}

func TestPrintChange(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2025, 3, 10, 7, 0, 0, 0, time.Local)

	printChange(&buf, reconcile.Change{Chat: &models.ChatMessage{Sender: "Agent", Role: "AGENT", Content: "Filled #2", Timestamp: models.NewTimestamp(at)}})
	printChange(&buf, reconcile.Change{Notice: &models.Notification{Kind: models.NotificationWarning, Message: "Session expired", CreatedAt: at}})
	printTransition(&buf, transport.Transition{To: transport.StateError, Err: errors.New("EOF"), At: at})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "07:00:00")
	assert.Contains(t, lines[0], "Agent: Filled #2")
	assert.Contains(t, lines[1], "warning:")
	assert.Contains(t, lines[1], "Session expired")
	assert.Contains(t, lines[2], "connection error (EOF)")
}
