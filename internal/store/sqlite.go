package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joescharf/rota/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements SessionStore using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the watcher and CLI commands may share the file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx, "")
}

// migrate applies pending migrations up to and including until ("" for all).
func (s *SQLiteStore) migrate(ctx context.Context, until string) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if until != "" && name > until {
			break
		}

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// SchemaVersion returns the numeric prefix of the newest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT MAX(filename) FROM schema_migrations").Scan(&name)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !name.Valid {
		return 0, nil
	}
	prefix, _, _ := strings.Cut(name.String, "_")
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %q has no numeric prefix", name.String)
	}
	return v, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadSession returns the stored session.
func (s *SQLiteStore) LoadSession(ctx context.Context) (*models.Session, error) {
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if v < SchemaVersion {
		return nil, ErrNeedsMigration
	}

	var (
		sess      models.Session
		roles     string
		lastLogin string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT token, user_id, full_name, email, roles, last_login FROM session_state WHERE id = 1`,
	).Scan(&sess.Token, &sess.User.ID, &sess.User.FullName, &sess.User.Email, &roles, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if err := json.Unmarshal([]byte(roles), &sess.User.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	sess.LastLogin = parseLastLogin(lastLogin)
	return &sess, nil
}

// SaveSession replaces the stored session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.Token == "" {
		return fmt.Errorf("save session: empty token")
	}
	roles, err := json.Marshal(rolesOrEmpty(sess.User.Roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO session_state
		(id, schema_version, token, user_id, full_name, email, roles, last_login, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			token = excluded.token,
			user_id = excluded.user_id,
			full_name = excluded.full_name,
			email = excluded.email,
			roles = excluded.roles,
			last_login = excluded.last_login,
			updated_at = excluded.updated_at`,
		SchemaVersion, sess.Token, sess.User.ID, sess.User.FullName, sess.User.Email,
		string(roles), formatLastLogin(sess.LastLogin),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearSession removes the stored session. Clearing an empty store is not an
// error.
func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_state"); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func rolesOrEmpty(r []models.Role) []models.Role {
	if r == nil {
		return []models.Role{}
	}
	return r
}
