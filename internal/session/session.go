// Package session holds the active login in memory and keeps it persisted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/logging"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/store"
)

// ErrNoSession is returned when no one is logged in.
var ErrNoSession = store.ErrNoSession

// Manager is the single owner of the current session. Reads are served from
// memory; writes go through to the store.
type Manager struct {
	store  store.SessionStore
	logger *zap.Logger

	mu  sync.RWMutex
	cur *models.Session
}

// NewManager creates a Manager over s.
func NewManager(s store.SessionStore, logger *zap.Logger) *Manager {
	return &Manager{store: s, logger: logging.OrNop(logger)}
}

// Load reads the persisted session into memory.
func (m *Manager) Load(ctx context.Context) (*models.Session, error) {
	sess, err := m.store.LoadSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoSession) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	m.mu.Lock()
	m.cur = sess
	m.mu.Unlock()

	if exp, ok := ExpiresAt(sess.Token); ok && time.Now().After(exp) {
		m.logger.Warn("stored credential has expired; the server will reject it",
			zap.Time("expired_at", exp))
	}
	return copySession(sess), nil
}

// Save persists sess and makes it current.
func (m *Manager) Save(ctx context.Context, sess *models.Session) error {
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	m.mu.Lock()
	m.cur = copySession(sess)
	m.mu.Unlock()
	return nil
}

// Clear drops the session from memory and storage. The in-memory copy is
// dropped even if the store fails.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()

	if err := m.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Token returns the current bearer credential, or "".
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.Token
}

// Current returns a copy of the current session, or nil.
func (m *Manager) Current() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySession(m.cur)
}

func copySession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.User.Roles = append([]models.Role(nil), s.User.Roles...)
	return &c
}

// Claims is the unverified content of a bearer token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseClaims decodes token without checking its signature. The server is
// the only party that verifies tokens; the client reads them for display.
func ParseClaims(token string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	c := &Claims{Subject: rc.Subject}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// ExpiresAt returns the token's exp claim, if it has one.
func ExpiresAt(token string) (time.Time, bool) {
	c, err := ParseClaims(token)
	if err != nil || c.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return c.ExpiresAt, true
}

// Expired reports whether the token's exp claim is before now. Tokens without
// a readable exp never expire client-side.
func Expired(token string, now time.Time) bool {
	exp, ok := ExpiresAt(token)
	return ok && now.After(exp)
}
