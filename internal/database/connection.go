package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/example/dojang/internal/logger"
)

// Supported driver names.
const (
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3, cgo
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverPostgres = "postgres" // github.com/lib/pq
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the sqlx backed persistence layer. It implements the engine's
// record store, profile store and content catalog through its repositories.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger

	Profiles *ProfileRepository
	Cards    *CardStateRepository
	Sessions *SessionRepository
	Items    *ItemRepository
}

// Connect opens the database, applies the schema and returns a Store.
// For the sqlite drivers dsn is a file path whose directory is created.
func Connect(ctx context.Context, driver, dsn string, log *logger.Logger) (*Store, error) {
	switch driver {
	case DriverSQLite3, DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver != DriverPostgres {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		// SQLite doesn't support multiple writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := New(db, log)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("database ready", "driver", driver)
	return s, nil
}

// New wraps an open connection. The schema is not touched.
func New(db *sqlx.DB, log *logger.Logger) *Store {
	log = logger.OrNop(log).With("component", "database")
	return &Store{
		db:       db,
		log:      log,
		Profiles: NewProfileRepository(db),
		Cards:    NewCardStateRepository(db),
		Sessions: NewSessionRepository(db),
		Items:    NewItemRepository(db),
	}
}

// DB returns the underlying connection.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate creates necessary tables if they don't exist
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		belt_level INTEGER NOT NULL,
		learning_mode TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_active_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS card_states (
		profile_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		box INTEGER NOT NULL,
		last_reviewed_at TEXT NOT NULL,
		next_review_due TEXT NOT NULL,
		consecutive_correct INTEGER NOT NULL DEFAULT 0,
		consecutive_incorrect INTEGER NOT NULL DEFAULT 0,
		total_correct INTEGER NOT NULL DEFAULT 0,
		total_incorrect INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (profile_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS study_sessions (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		session_type TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		items_studied INTEGER NOT NULL DEFAULT 0,
		correct_count INTEGER NOT NULL DEFAULT 0,
		incorrect_count INTEGER NOT NULL DEFAULT 0,
		focus_areas TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_study_sessions_profile ON study_sessions (profile_id)`,
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		belt_level INTEGER NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'terminology',
		term TEXT NOT NULL DEFAULT '',
		translation TEXT NOT NULL DEFAULT '',
		romanized TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_belt ON items (belt_level)`,
}

// Timestamps are stored as RFC 3339 text in UTC so that every driver
// round-trips them identically and they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// isUniqueViolation reports a unique constraint failure on any supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	// modernc.org/sqlite reports constraint failures in the message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
