package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/reconcile"
	"github.com/joescharf/rota/internal/session"
	"github.com/joescharf/rota/internal/store"
	"github.com/joescharf/rota/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu     sync.Mutex
	subs   map[string]chan transport.Message
	sent   []transport.Message
	once   sync.Once
	closed chan struct{}
}

func (c *fakeConn) Subscribe(dest string) (<-chan transport.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan transport.Message, 8)
	c.subs[dest] = ch
	return ch, nil
}

func (c *fakeConn) Send(dest string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, transport.Message{Destination: dest, Body: body})
	return nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.closed }
func (c *fakeConn) Err() error              { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, topic string, body []byte) {
	t.Helper()
	c.mu.Lock()
	ch := c.subs[topic]
	c.mu.Unlock()
	require.NotNil(t, ch, "topic %s not subscribed", topic)
	ch <- transport.Message{Destination: topic, Body: body}
}

type fakeDialer struct {
	fail  bool
	creds chan string
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{creds: make(chan string, 16), conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, cred string) (transport.Conn, error) {
	d.creds <- cred
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{subs: map[string]chan transport.Message{}, closed: make(chan struct{})}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type hospital struct {
	srv          *httptest.Server
	unauthorized atomic.Bool
	shiftCalls   atomic.Int32
}

func newHospital(t *testing.T) *hospital {
	t.Helper()
	h := &hospital{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.AuthResponse{
			Token: "tok-1", UserID: 7, Email: "ana@hospital.org", FullName: "Ana Lima",
			Roles: []models.Role{models.RoleNurse},
		})
	})
	mux.HandleFunc("GET /api/shifts", func(w http.ResponseWriter, r *http.Request) {
		h.shiftCalls.Add(1)
		if h.unauthorized.Load() {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, []models.Shift{{ID: 7}, {ID: 8}})
	})
	mux.HandleFunc("GET /api/agent/tasks/pending", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.AgentTask{})
	})
	mux.HandleFunc("GET /api/agent/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.ChatMessage{})
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type harness struct {
	c      *Coordinator
	dialer *fakeDialer
	store  *store.SQLiteStore
	api    *hospital
}

func newHarness(t *testing.T, backoff transport.Backoff) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rota.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	h := &harness{dialer: newFakeDialer(), store: st, api: newHospital(t)}
	tr := transport.New(h.dialer, transport.WithBackoff(backoff))
	h.c = New(Config{BaseURL: h.api.srv.URL + "/api"}, session.NewManager(st, nil), tr, reconcile.New())
	t.Cleanup(h.c.Stop)
	return h
}

var fast = transport.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func shiftEvent(t *testing.T, typ models.EventType, s models.Shift) []byte {
	t.Helper()
	payload, err := json.Marshal(s)
	require.NoError(t, err)
	body, err := json.Marshal(models.Envelope{Type: typ, Payload: payload})
	require.NoError(t, err)
	return body
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStart_RequiresSession(t *testing.T) {
	h := newHarness(t, fast)
	assert.ErrorIs(t, h.c.Start(context.Background()), ErrNoSession)
	_, err := h.c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.c.SendChat(context.Background(), "hi"), ErrNoSession)
}

func TestLoginThenLiveEvent(t *testing.T) {
	h := newHarness(t, fast)
	ctx := context.Background()

	sess, err := h.c.Login(ctx, "ana@hospital.org", "pw")
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", sess.User.FullName)

	persisted, err := h.store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", persisted.Token)

	require.NoError(t, h.c.Start(ctx))
	assert.Equal(t, "tok-1", <-h.dialer.creds)
	conn := h.dialer.next(t)

	// The refresh that follows the connect lands first.
	require.Eventually(t, func() bool { return h.c.Status().LastRefresh != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.c.Shifts(), 2)

	conn.deliver(t, models.TopicShifts, shiftEvent(t, models.EventShiftCreated, models.Shift{ID: 42, DepartmentName: "ICU"}))
	require.Eventually(t, func() bool {
		s := h.c.Shifts()
		return len(s) == 3 && s[0].ID == 42
	}, 2*time.Second, 5*time.Millisecond)

	notes := h.c.Notifications()
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0].Message, "#42")

	st := h.c.Status()
	assert.True(t, st.LoggedIn)
	assert.True(t, st.Running)
	assert.Equal(t, transport.StateConnected, st.Transport)
}

func TestResumeUsesPersistedSession(t *testing.T) {
	h := newHarness(t, fast)
	ctx := context.Background()
	require.NoError(t, h.store.SaveSession(ctx, &models.Session{Token: "saved", User: models.User{ID: 3}}))

	sess, err := h.c.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.User.ID)

	require.NoError(t, h.c.Start(ctx))
	assert.Equal(t, "saved", <-h.dialer.creds)
}

func TestUnauthorized_TearsDownSession(t *testing.T) {
	h := newHarness(t, fast)
	ctx := context.Background()
	_, err := h.c.Login(ctx, "ana@hospital.org", "pw")
	require.NoError(t, err)

	h.api.unauthorized.Store(true)
	require.NoError(t, h.c.Start(ctx))
	h.dialer.next(t)

	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after 401")
	}
	assert.ErrorIs(t, h.c.Err(), ErrSessionRevoked)
	assert.Nil(t, h.c.Session())

	_, err = h.store.LoadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNoSession)
	assert.Eventually(t, func() bool {
		return h.c.Status().Transport == transport.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.c.Refresh(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, int32(1), h.api.shiftCalls.Load())
}

func TestSendChat_PublishesClientMessage(t *testing.T) {
	h := newHarness(t, fast)
	ctx := context.Background()
	_, err := h.c.Login(ctx, "ana@hospital.org", "pw")
	require.NoError(t, err)

	assert.ErrorIs(t, h.c.SendChat(ctx, "too early"), transport.ErrNotConnected)

	require.NoError(t, h.c.Start(ctx))
	conn := h.dialer.next(t)
	require.Eventually(t, func() bool {
		return h.c.Status().Transport == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.SendChat(ctx, "who covers ICU tonight?"))

	conn.mu.Lock()
	sent := append([]transport.Message(nil), conn.sent...)
	conn.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, models.DestinationChat, sent[0].Destination)

	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(sent[0].Body, &msg))
	assert.Equal(t, models.ChatRoleClient, msg.Role)
	assert.Equal(t, "Ana Lima", msg.Sender)
	assert.Equal(t, "who covers ICU tonight?", msg.Content)

	assert.Error(t, h.c.SendChat(ctx, ""))
}

func TestTransportGiveUp_EndsSession(t *testing.T) {
	giveUp := transport.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
	h := newHarness(t, giveUp)
	h.dialer.fail = true
	ctx := context.Background()
	_, err := h.c.Login(ctx, "ana@hospital.org", "pw")
	require.NoError(t, err)

	require.NoError(t, h.c.Start(ctx))
	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after transport gave up")
	}
	assert.ErrorIs(t, h.c.Err(), transport.ErrGaveUp)
	assert.NotNil(t, h.c.Session(), "giving up does not log out")
}

func TestLogout_StopsAndClears(t *testing.T) {
	h := newHarness(t, fast)
	ctx := context.Background()
	_, err := h.c.Login(ctx, "ana@hospital.org", "pw")
	require.NoError(t, err)
	require.NoError(t, h.c.Start(ctx))
	h.dialer.next(t)

	require.NoError(t, h.c.Logout(ctx))
	st := h.c.Status()
	assert.False(t, st.LoggedIn)
	assert.False(t, st.Running)
	assert.Equal(t, transport.StateDisconnected, st.Transport)

	_, err = h.store.LoadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNoSession)
}

func TestAdopt_PersistsImportedSession(t *testing.T) {
	h := newHarness(t, fast)
	ctx := context.Background()

	assert.Error(t, h.c.Adopt(ctx, &models.Session{}))
	require.NoError(t, h.c.Adopt(ctx, &models.Session{Token: "from-browser", User: models.User{ID: 9}}))

	assert.Equal(t, int64(9), h.c.Session().User.ID)
	persisted, err := h.store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-browser", persisted.Token)
}
