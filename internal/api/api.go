package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/coordinator"
	"github.com/joescharf/rota/internal/logging"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/refresh"
	"github.com/joescharf/rota/internal/session"
	"github.com/joescharf/rota/internal/stats"
	"github.com/joescharf/rota/internal/transport"
)

// Backend is the state the API exposes. *coordinator.Coordinator satisfies it.
type Backend interface {
	Shifts() []models.Shift
	Tasks() []models.AgentTask
	Chat() []models.ChatMessage
	Notifications() []models.Notification
	Status() coordinator.Status
	Refresh(ctx context.Context) (*refresh.AllResult, error)
	SendChat(ctx context.Context, content string) error
}

// Server provides the local HTTP handlers over reconciled state.
type Server struct {
	backend Backend
	calc    *stats.Calculator
	logger  *zap.Logger
	ui      http.Handler
	now     func() time.Time
}

// NewServer creates a new API server. ui may be nil.
func NewServer(b Backend, ui http.Handler, logger *zap.Logger) *Server {
	return &Server{
		backend: b,
		calc:    stats.NewCalculator(),
		logger:  logging.OrNop(logger),
		ui:      ui,
		now:     time.Now,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/shifts", s.listShifts)
	mux.HandleFunc("GET /api/v1/shifts/{id}", s.getShift)
	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("GET /api/v1/chat", s.listChat)
	mux.HandleFunc("POST /api/v1/chat", s.sendChat)
	mux.HandleFunc("GET /api/v1/notifications", s.listNotifications)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/summary", s.summary)
	mux.HandleFunc("POST /api/v1/refresh", s.refresh)

	if s.ui != nil {
		mux.Handle("/", s.ui)
	}

	return corsMiddleware(s.logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps backend errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, coordinator.ErrSessionRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// --- Shifts ---

func (s *Server) listShifts(w http.ResponseWriter, r *http.Request) {
	status := models.ShiftStatus(strings.ToUpper(r.URL.Query().Get("status")))
	role := models.Role(strings.ToUpper(r.URL.Query().Get("role")))

	out := []models.Shift{}
	for _, sh := range s.backend.Shifts() {
		if status != "" && sh.Status != status {
			continue
		}
		if role != "" && sh.RequiredRole != role {
			continue
		}
		out = append(out, sh)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getShift(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid shift id")
		return
	}
	for _, sh := range s.backend.Shifts() {
		if sh.ID == id {
			writeJSON(w, http.StatusOK, sh)
			return
		}
	}
	writeError(w, http.StatusNotFound, "shift not found")
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	win := stats.DefaultWindow(s.now())
	for key, dst := range map[string]*time.Time{"start": &win.Start, "end": &win.End} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		ts, err := models.ParseTimestamp(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key+": "+err.Error())
			return
		}
		*dst = ts.Time
	}
	if win.End.Before(win.Start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}
	writeJSON(w, http.StatusOK, s.calc.Summarize(s.backend.Shifts(), win))
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(strings.ToUpper(r.URL.Query().Get("status")))
	out := []models.AgentTask{}
	for _, t := range s.backend.Tasks() {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Chat ---

func (s *Server) listChat(w http.ResponseWriter, r *http.Request) {
	msgs := s.backend.Chat()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < len(msgs) {
			msgs = msgs[len(msgs)-n:]
		}
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.backend.SendChat(r.Context(), req.Content); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// --- Notifications & status ---

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	out := s.backend.Notifications()
	if out == nil {
		out = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.backend.Refresh(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
