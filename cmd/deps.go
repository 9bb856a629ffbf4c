package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/coordinator"
	"github.com/joescharf/rota/internal/llm"
	"github.com/joescharf/rota/internal/logging"
	"github.com/joescharf/rota/internal/reconcile"
	"github.com/joescharf/rota/internal/session"
	"github.com/joescharf/rota/internal/store"
	"github.com/joescharf/rota/internal/transport"
)

var (
	logger       *zap.Logger
	sessionStore store.SessionStore
	coord        *coordinator.Coordinator
)

// getLogger returns the shared logger, building it from log.* on first call.
func getLogger() *zap.Logger {
	if logger != nil {
		return logger
	}
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	l, err := logging.New(logging.Config{Level: level, Encoding: viper.GetString("log.format")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logger: %v\n", err)
		l = zap.NewNop()
	}
	logger = l
	return logger
}

// getSessionStore returns the configured session store, migrated to the
// current layout.
func getSessionStore() (store.SessionStore, error) {
	if sessionStore != nil {
		return sessionStore, nil
	}
	ctx := context.Background()

	var (
		s   store.SessionStore
		err error
	)
	switch backend := viper.GetString("session.backend"); backend {
	case "", "sqlite":
		s, err = store.NewSQLiteStore(viper.GetString("db_path"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	case "redis":
		s, err = store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Key:      viper.GetString("redis.key"),
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown session.backend %q (want sqlite or redis)", backend)
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	sessionStore = s
	return sessionStore, nil
}

// backoffFromConfig reads realtime.reconnect.*.
func backoffFromConfig() transport.Backoff {
	return transport.Backoff{
		Initial:     viper.GetDuration("realtime.reconnect.initial"),
		Max:         viper.GetDuration("realtime.reconnect.max"),
		Multiplier:  viper.GetFloat64("realtime.reconnect.multiplier"),
		Jitter:      viper.GetFloat64("realtime.reconnect.jitter"),
		MaxAttempts: viper.GetInt("realtime.reconnect.max_attempts"),
	}
}

// newReconciler builds a reconciler from reconcile.* and notifications.*.
func newReconciler(l *zap.Logger) (*reconcile.Reconciler, error) {
	policy, err := reconcile.ParsePolicy(viper.GetString("reconcile.policy"))
	if err != nil {
		return nil, err
	}
	miss, err := reconcile.ParseUpdateMiss(viper.GetString("reconcile.shift_update_miss"))
	if err != nil {
		return nil, err
	}
	return reconcile.New(
		reconcile.WithPolicy(policy),
		reconcile.WithShiftUpdateMiss(miss),
		reconcile.WithNotificationLimit(viper.GetInt("notifications.limit")),
		reconcile.WithLogger(l.Named("reconcile")),
	), nil
}

// getCoordinator wires the session, REST client, transport and reconciler,
// and resumes any persisted session.
func getCoordinator() (*coordinator.Coordinator, error) {
	if coord != nil {
		return coord, nil
	}
	l := getLogger()

	s, err := getSessionStore()
	if err != nil {
		return nil, err
	}
	rec, err := newReconciler(l)
	if err != nil {
		return nil, err
	}

	dialer := &transport.StompDialer{
		URL:              viper.GetString("realtime.url"),
		HeartBeat:        viper.GetDuration("realtime.heartbeat"),
		HandshakeTimeout: viper.GetDuration("realtime.handshake_timeout"),
		Logger:           l.Named("stomp"),
	}
	tr := transport.New(dialer,
		transport.WithBackoff(backoffFromConfig()),
		transport.WithBuffer(viper.GetInt("realtime.buffer")),
		transport.WithLogger(l.Named("transport")),
	)

	c := coordinator.New(coordinator.Config{
		BaseURL:   viper.GetString("api.base_url"),
		ChatLimit: viper.GetInt("chat.history_limit"),
		Logger:    l.Named("coordinator"),
	}, session.NewManager(s, l.Named("session")), tr, rec)

	if _, err := c.Resume(context.Background()); err != nil && !errors.Is(err, session.ErrNoSession) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	coord = c
	return coord, nil
}

// requireSession returns the coordinator of a logged-in user.
func requireSession() (*coordinator.Coordinator, error) {
	c, err := getCoordinator()
	if err != nil {
		return nil, err
	}
	if c.Session() == nil {
		return nil, errors.New("not logged in (run 'rota login')")
	}
	return c, nil
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// closeDeps releases whatever the command opened.
func closeDeps() {
	if coord != nil {
		coord.Stop()
	}
	if sessionStore != nil {
		_ = sessionStore.Close()
	}
	if logger != nil {
		_ = logger.Sync()
	}
}
