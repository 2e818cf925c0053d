// File path: internal/storage/store.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps a pooled sqlx.DB connection to the conversation database.
type Store struct {
	db *sqlx.DB
}

// Open constructs a Store backed by the SQLite database at the provided path.
// The schema is created on first use. ":memory:" opens a private in-memory
// database, useful for tests.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("database path required")
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}

	var dsn string
	memory := path == ":memory:"
	if memory {
		dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", busy)
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)", abs, busy)
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BusyTimeout+time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sqlx.DB for advanced callers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) ensureReady() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
                id TEXT PRIMARY KEY,
                rollout_path TEXT NOT NULL,
                started_at TEXT,
                ended_at TEXT,
                duration_seconds INTEGER,
                token_input INTEGER,
                token_cached INTEGER,
                token_output INTEGER,
                token_reasoning INTEGER,
                token_total INTEGER,
                token_model_context INTEGER,
                embedding_dim INTEGER,
                meta_json TEXT,
                rollout_modified_at TEXT,
                rollout_size_bytes INTEGER,
                rollout_hash TEXT,
                preview TEXT,
                first_question TEXT,
                last_question TEXT,
                last_user_message TEXT,
                model TEXT,
                turn_count INTEGER,
                has_live_events INTEGER,
                commands_json TEXT,
                files_json TEXT,
                questions_json TEXT,
                search_blob TEXT,
                cwd TEXT
        );`,
	`CREATE TABLE IF NOT EXISTS turns (
                conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
                turn_index INTEGER NOT NULL,
                started_at TEXT,
                user_text TEXT,
                assistant_text TEXT,
                fallback_text TEXT,
                actions_json TEXT,
                telemetry_json TEXT,
                embedding BLOB,
                PRIMARY KEY (conversation_id, turn_index)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_rollout_path ON conversations(rollout_path);`,
}
