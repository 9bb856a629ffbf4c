package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/joescharf/rota/internal/models"
)

// SchemaVersion is the current persisted session layout.
const SchemaVersion = 2

// Key names of the v1 layout, inherited from the browser client's storage.
const (
	LegacyKeyToken     = "jwt_token"
	LegacyKeyUser      = "user"
	LegacyKeyLastLogin = "lastLogin"
)

var (
	// ErrNoSession is returned by LoadSession when nothing is stored.
	ErrNoSession = errors.New("no stored session")
	// ErrNeedsMigration is returned when stored data predates SchemaVersion
	// and Migrate has not run.
	ErrNeedsMigration = errors.New("stored session needs migration")
)

// SessionStore persists the one active session.
type SessionStore interface {
	LoadSession(ctx context.Context) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	ClearSession(ctx context.Context) error

	// Lifecycle
	SchemaVersion(ctx context.Context) (int, error)
	Migrate(ctx context.Context) error
	Close() error
}

// parseLastLogin accepts RFC 3339 or epoch milliseconds; anything else reads
// as the zero time.
func parseLastLogin(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

func formatLastLogin(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
