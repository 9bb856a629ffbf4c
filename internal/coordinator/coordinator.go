// Package coordinator owns the application state: the session, the REST
// client, the realtime transport and the reconciled collections.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/rota/internal/apiclient"
	"github.com/joescharf/rota/internal/logging"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/reconcile"
	"github.com/joescharf/rota/internal/refresh"
	"github.com/joescharf/rota/internal/session"
	"github.com/joescharf/rota/internal/transport"
)

var (
	// ErrNoSession is returned by operations that need a login.
	ErrNoSession = session.ErrNoSession
	// ErrSessionRevoked ends a live session after the API answered 401.
	ErrSessionRevoked = errors.New("session revoked by server, log in again")
)

// Config holds the coordinator's settings.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	ChatLimit  int
	Logger     *zap.Logger
}

// Coordinator is constructed once per process and passed to every surface
// (CLI, local API, MCP).
type Coordinator struct {
	cfg      Config
	logger   *zap.Logger
	sessions *session.Manager
	api      *apiclient.Client
	tr       *transport.Transport
	rec      *reconcile.Reconciler

	transitions chan transport.Transition

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	ended   chan struct{}
	err     error
	last    *refresh.AllResult
	lastAt  time.Time
	started time.Time
}

// New wires a Coordinator. The REST client is built here so its 401 hook can
// reach the session and the transport.
func New(cfg Config, sessions *session.Manager, tr *transport.Transport, rec *reconcile.Reconciler) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		logger:      logging.OrNop(cfg.Logger),
		sessions:    sessions,
		tr:          tr,
		rec:         rec,
		transitions: make(chan transport.Transition, 64),
	}
	opts := []apiclient.Option{
		apiclient.WithTokenSource(sessions.Token),
		apiclient.WithUnauthorized(c.onUnauthorized),
		apiclient.WithLogger(c.logger),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, apiclient.WithHTTPClient(cfg.HTTPClient))
	}
	c.api = apiclient.New(cfg.BaseURL, opts...)
	return c
}

// API returns the REST client, authenticated with the current session.
func (c *Coordinator) API() *apiclient.Client { return c.api }

// Reconciler returns the collection owner.
func (c *Coordinator) Reconciler() *reconcile.Reconciler { return c.rec }

// Login authenticates and persists the session.
func (c *Coordinator) Login(ctx context.Context, email, password string) (*models.Session, error) {
	resp, err := c.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp)
}

// Register creates an account and logs in as it.
func (c *Coordinator) Register(ctx context.Context, req models.RegisterRequest) (*models.Session, error) {
	resp, err := c.api.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp)
}

func (c *Coordinator) establish(ctx context.Context, resp *models.AuthResponse) (*models.Session, error) {
	if resp.Token == "" {
		return nil, errors.New("login response carried no token")
	}
	sess := resp.Session(time.Now())
	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.logger.Info("logged in", zap.Int64("user_id", sess.User.ID), zap.String("email", sess.User.Email))
	return c.sessions.Current(), nil
}

// Adopt installs a session obtained elsewhere, such as an export of the
// browser client's storage.
func (c *Coordinator) Adopt(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.Token == "" {
		return errors.New("session carries no token")
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.logger.Info("session adopted", zap.Int64("user_id", sess.User.ID))
	return nil
}

// Resume loads the persisted session, if any.
func (c *Coordinator) Resume(ctx context.Context) (*models.Session, error) {
	return c.sessions.Load(ctx)
}

// Session returns the current session, or nil.
func (c *Coordinator) Session() *models.Session { return c.sessions.Current() }

// Start opens the realtime connection and begins applying events. A snapshot
// refresh runs after every transition to connected. Start returns once the
// connection loop is running. Calling it again while running is a no-op;
// calling it after the session ended restarts the sync.
func (c *Coordinator) Start(ctx context.Context) error {
	tok := c.sessions.Token()
	if tok == "" {
		return ErrNoSession
	}

	c.mu.Lock()
	running, ended := c.cancel != nil, c.err != nil
	c.mu.Unlock()
	if running && !ended {
		return nil
	}
	if running {
		c.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Topics must be registered before the first dial subscribes them.
	for _, topic := range models.Topics {
		c.tr.Subscribe(topic)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := c.rec.Run(gctx, c.tr); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		c.watch(gctx)
		return nil
	})

	if err := c.tr.Connect(tok); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("connect realtime: %w", err)
	}

	c.cancel = cancel
	c.group = g
	c.ended = make(chan struct{})
	c.err = nil
	c.started = time.Now()
	c.logger.Info("realtime sync started")
	return nil
}

// watch follows transport transitions: it refreshes snapshots on connect and
// ends the live session if the transport gives up.
func (c *Coordinator) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-c.tr.Transitions():
			c.forward(tr)
			switch tr.To {
			case transport.StateConnected:
				if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
					c.logger.Warn("refresh after connect failed", zap.Error(err))
				}
			case transport.StateFailed:
				c.rec.Notify(models.NotificationWarning, "Realtime connection lost; giving up")
				c.end(tr.Err)
			}
		}
	}
}

func (c *Coordinator) forward(tr transport.Transition) {
	select {
	case c.transitions <- tr:
	default:
	}
}

// Transitions relays transport state changes observed by the coordinator.
func (c *Coordinator) Transitions() <-chan transport.Transition { return c.transitions }

// Done is closed when a started session ends on its own, because the
// transport gave up or the server revoked the credential. Err says which.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended == nil {
		return nil
	}
	return c.ended
}

// Err returns why the live session ended, if it did.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended == nil || c.err != nil {
		return
	}
	if err == nil {
		err = transport.ErrConnectionClosed
	}
	c.err = err
	close(c.ended)
}

// onUnauthorized runs inside the REST call that drew the 401.
func (c *Coordinator) onUnauthorized() {
	c.logger.Warn("credential rejected by server, logging out")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sessions.Clear(ctx); err != nil {
		c.logger.Error("clear session", zap.Error(err))
	}
	c.tr.Disconnect()
	c.rec.Notify(models.NotificationWarning, "Session expired, please log in again")
	c.end(ErrSessionRevoked)
}

// Refresh fetches all snapshots now.
func (c *Coordinator) Refresh(ctx context.Context) (*refresh.AllResult, error) {
	if c.sessions.Token() == "" {
		return nil, ErrNoSession
	}
	res, err := refresh.All(ctx, c.api, c.rec, refresh.Options{ChatLimit: c.cfg.ChatLimit, Logger: c.logger})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.last, c.lastAt = res, time.Now()
	c.mu.Unlock()
	return res, nil
}

// SendChat publishes content to the agent chat. The message shows up in the
// chat log when the server echoes it back.
func (c *Coordinator) SendChat(ctx context.Context, content string) error {
	if content == "" {
		return errors.New("empty chat message")
	}
	sess := c.sessions.Current()
	if sess == nil {
		return ErrNoSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := models.ChatMessage{
		Sender:    sess.User.FullName,
		Role:      models.ChatRoleClient,
		Content:   content,
		Timestamp: models.NewTimestamp(time.Now()),
	}
	return c.tr.Publish(models.DestinationChat, msg)
}

// Logout stops syncing and forgets the session.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.Stop()
	return c.sessions.Clear(ctx)
}

// Stop disconnects and waits for the sync goroutines. Safe to call when not
// started.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, g := c.cancel, c.group
	c.cancel, c.group = nil, nil
	c.mu.Unlock()

	c.tr.Disconnect()
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			c.logger.Warn("sync stopped with error", zap.Error(err))
		}
	}
}

// Shifts returns the reconciled shifts, newest first.
func (c *Coordinator) Shifts() []models.Shift { return c.rec.Shifts() }

// Tasks returns the reconciled tasks, newest first.
func (c *Coordinator) Tasks() []models.AgentTask { return c.rec.Tasks() }

// Chat returns the chat log, oldest first.
func (c *Coordinator) Chat() []models.ChatMessage { return c.rec.Chat() }

// Notifications returns the notification window, newest first.
func (c *Coordinator) Notifications() []models.Notification { return c.rec.Notifications() }

// Status is a point-in-time view of the coordinator.
type Status struct {
	LoggedIn      bool               `json:"loggedIn"`
	User          *models.User       `json:"user,omitempty"`
	Transport     transport.State    `json:"transport"`
	Running       bool               `json:"running"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	Error         string             `json:"error,omitempty"`
	Seq           uint64             `json:"seq"`
	Shifts        int                `json:"shifts"`
	Tasks         int                `json:"tasks"`
	Chat          int                `json:"chat"`
	LastRefresh   *refresh.AllResult `json:"lastRefresh,omitempty"`
	LastRefreshAt *time.Time         `json:"lastRefreshAt,omitempty"`
}

// Status reports the current state.
func (c *Coordinator) Status() Status {
	st := Status{
		Transport: c.tr.State(),
		Seq:       c.rec.Seq(),
		Shifts:    len(c.rec.Shifts()),
		Tasks:     len(c.rec.Tasks()),
		Chat:      len(c.rec.Chat()),
	}
	if sess := c.sessions.Current(); sess != nil {
		st.LoggedIn = true
		st.User = &sess.User
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st.Running = c.cancel != nil
	if st.Running {
		started := c.started
		st.StartedAt = &started
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	if c.last != nil {
		at := c.lastAt
		st.LastRefresh = c.last
		st.LastRefreshAt = &at
	}
	return st
}
