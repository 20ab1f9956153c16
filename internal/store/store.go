package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for row timestamps and age
// cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Every agent process opens the same file. WAL lets readers proceed
	// while one writer holds the lock, busy_timeout makes writers wait.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store clock in UTC. All timestamps are written from it so
// text comparisons in SQLite order correctly.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			agent_name  TEXT NOT NULL DEFAULT '',
			task_type   TEXT NOT NULL,
			data        TEXT,
			priority    INTEGER DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'pending',
			result      TEXT,
			sender      TEXT DEFAULT '',
			attempts    INTEGER DEFAULT 0,
			lease_token TEXT DEFAULT '',
			created_at  DATETIME,
			updated_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(agent_name, status)`,
		`CREATE TABLE IF NOT EXISTS agent_status (
			agent_name     TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			status         TEXT NOT NULL,
			last_heartbeat DATETIME,
			config         TEXT,
			metrics        TEXT,
			errors_count   INTEGER DEFAULT 0,
			started_at     DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS agent_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_name  TEXT NOT NULL,
			level       TEXT NOT NULL,
			message     TEXT NOT NULL,
			data        TEXT,
			created_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_level ON agent_logs(level, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Schema additions for databases created before these columns existed
	// (idempotent ALTER TABLE).
	alterations := []string{
		`ALTER TABLE tasks ADD COLUMN lease_token TEXT DEFAULT ''`,
		`ALTER TABLE agent_status ADD COLUMN started_at DATETIME`,
	}
	for _, a := range alterations {
		_, _ = s.db.Exec(a) // ignore "duplicate column" errors
	}

	return nil
}
