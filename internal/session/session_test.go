package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rota.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func signed(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return tok
}

func TestManager_SaveLoadClear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m := NewManager(s, nil)
	assert.Empty(t, m.Token())
	assert.Nil(t, m.Current())

	sess := &models.Session{
		Token:     "tok",
		User:      models.User{ID: 7, FullName: "Ana", Roles: []models.Role{models.RoleNurse}},
		LastLogin: time.Now().UTC(),
	}
	require.NoError(t, m.Save(ctx, sess))
	assert.Equal(t, "tok", m.Token())

	// A fresh manager sees the persisted session.
	m2 := NewManager(s, nil)
	got, err := m2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.User.FullName)
	assert.Equal(t, "tok", m2.Token())

	require.NoError(t, m2.Clear(ctx))
	assert.Empty(t, m2.Token())
	_, err = NewManager(s, nil).Load(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestManager_CurrentIsACopy(t *testing.T) {
	m := NewManager(newStore(t), nil)
	require.NoError(t, m.Save(context.Background(), &models.Session{
		Token: "tok",
		User:  models.User{Roles: []models.Role{models.RoleAdmin}},
	}))

	c := m.Current()
	c.Token = "mutated"
	c.User.Roles[0] = models.RoleAgent

	assert.Equal(t, "tok", m.Token())
	assert.Equal(t, models.RoleAdmin, m.Current().User.Roles[0])
}

type failingStore struct {
	store.SessionStore
}

func (failingStore) ClearSession(context.Context) error { return errors.New("disk full") }

func TestManager_ClearDropsMemoryEvenIfStoreFails(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, nil)
	require.NoError(t, m.Save(context.Background(), &models.Session{Token: "tok"}))

	m.store = failingStore{SessionStore: s}
	assert.Error(t, m.Clear(context.Background()))
	assert.Empty(t, m.Token())
}

func TestManager_LoadWarnsOnExpiredToken(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := newStore(t)
	tok := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	require.NoError(t, s.SaveSession(context.Background(), &models.Session{Token: tok}))

	m := NewManager(s, zap.New(core))
	_, err := m.Load(context.Background())
	require.NoError(t, err, "expired sessions are still loaded")
	assert.Equal(t, 1, logs.Len())
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, jwt.RegisteredClaims{
		Subject:   "ana@hospital.org",
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-24 * time.Hour)),
	})

	c, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, "ana@hospital.org", c.Subject)
	assert.True(t, exp.Equal(c.ExpiresAt))

	assert.False(t, Expired(tok, time.Now()))
	assert.True(t, Expired(tok, exp.Add(time.Second)))
}

func TestParseClaims_NotAJWT(t *testing.T) {
	_, err := ParseClaims("opaque-token")
	assert.Error(t, err)
	assert.False(t, Expired("opaque-token", time.Now()))

	_, ok := ExpiresAt(signed(t, jwt.RegisteredClaims{Subject: "x"}))
	assert.False(t, ok)
}
