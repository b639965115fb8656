package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/tierflow/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them: WAL for
	// concurrent readers, and a busy timeout so writers wait instead of
	// failing with SQLITE_BUSY.
	dsn := "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		db.Close()
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

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id          TEXT PRIMARY KEY,
			state       TEXT NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			team        TEXT NOT NULL,
			resources   TEXT NOT NULL,
			metrics     TEXT NOT NULL,
			metadata    TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarms_state ON swarms(state)`,
		`CREATE INDEX IF NOT EXISTS idx_swarms_user ON swarms(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			swarm_id    TEXT NOT NULL,
			turn_id     TEXT NOT NULL,
			sender      TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			metadata    TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_swarm ON messages(swarm_id, id)`,
		`CREATE TABLE IF NOT EXISTS scheduled_turns (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			team_id      TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			participants TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_next_run ON scheduled_turns(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id          TEXT PRIMARY KEY,
			topic       TEXT NOT NULL,
			type        TEXT NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			operation   TEXT NOT NULL DEFAULT '',
			result      TEXT NOT NULL DEFAULT '',
			data        TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
