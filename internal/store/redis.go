package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/joescharf/rota/internal/models"
)

// DefaultRedisKey is the hash holding the session.
const DefaultRedisKey = "rota:session"

// Hash fields of the v2 layout.
const (
	fieldVersion   = "schema_version"
	fieldToken     = "token"
	fieldUserID    = "user_id"
	fieldFullName  = "full_name"
	fieldEmail     = "email"
	fieldRoles     = "roles"
	fieldLastLogin = "last_login"
)

// RedisConfig locates the session hash.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore implements SessionStore as one Redis hash, so several hosts can
// share a session.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(rdb, cfg.Key), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

// SchemaVersion returns 2 for a migrated hash, 1 for a browser-layout hash,
// and 0 when nothing is stored.
func (s *RedisStore) SchemaVersion(ctx context.Context) (int, error) {
	vals, err := s.rdb.HMGet(ctx, s.key, fieldVersion, LegacyKeyToken).Result()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if v, ok := vals[0].(string); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("bad schema_version %q", v)
		}
		return n, nil
	}
	if _, ok := vals[1].(string); ok {
		return 1, nil
	}
	return 0, nil
}

// Migrate rewrites a v1 hash into the v2 field layout in one transaction.
func (s *RedisStore) Migrate(ctx context.Context) error {
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v != 1 {
		return nil
	}

	old, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("read v1 session: %w", err)
	}
	sess, err := legacySession(old[LegacyKeyToken], old[LegacyKeyUser], old[LegacyKeyLastLogin])
	if err != nil {
		return fmt.Errorf("convert v1 session: %w", err)
	}
	fields, err := sessionFields(sess)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.key, LegacyKeyToken, LegacyKeyUser, LegacyKeyLastLogin)
		p.HSet(ctx, s.key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write v2 session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session.
func (s *RedisStore) LoadSession(ctx context.Context) (*models.Session, error) {
	h, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrNoSession
	}
	if h[fieldVersion] == "" {
		return nil, ErrNeedsMigration
	}
	if h[fieldToken] == "" {
		return nil, ErrNoSession
	}

	sess := &models.Session{
		Token:     h[fieldToken],
		LastLogin: parseLastLogin(h[fieldLastLogin]),
	}
	sess.User.FullName = h[fieldFullName]
	sess.User.Email = h[fieldEmail]
	if id := h[fieldUserID]; id != "" {
		if sess.User.ID, err = strconv.ParseInt(id, 10, 64); err != nil {
			return nil, fmt.Errorf("decode user id: %w", err)
		}
	}
	if r := h[fieldRoles]; r != "" {
		if err := json.Unmarshal([]byte(r), &sess.User.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	return sess, nil
}

// SaveSession replaces the stored session.
func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.Token == "" {
		return errors.New("save session: empty token")
	}
	fields, err := sessionFields(sess)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key)
		p.HSet(ctx, s.key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearSession removes the stored session.
func (s *RedisStore) ClearSession(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func sessionFields(sess *models.Session) (map[string]any, error) {
	roles, err := json.Marshal(rolesOrEmpty(sess.User.Roles))
	if err != nil {
		return nil, fmt.Errorf("encode roles: %w", err)
	}
	return map[string]any{
		fieldVersion:   SchemaVersion,
		fieldToken:     sess.Token,
		fieldUserID:    sess.User.ID,
		fieldFullName:  sess.User.FullName,
		fieldEmail:     sess.User.Email,
		fieldRoles:     string(roles),
		fieldLastLogin: formatLastLogin(sess.LastLogin),
	}, nil
}
