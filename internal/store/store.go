// Package store provides SQLite-backed durable storage for the merge queue.
//
// Three tables are owned here: queue_entries (active entries, replace-on-write),
// sessions, and merge_history (append-only). A fourth table, entry_sequence,
// records the enqueue sequence used to break queued_at ties.
//
// All access goes through one mutex and one database connection. The store is a
// deliberate single-writer bottleneck; callers never see the *sql.DB.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/msageha/mergequeue/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - entry_sequence table for enqueue ordering
const currentSchemaVersion = 1

// timeLayout is fixed width so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path, creating parent directories.
// Pragmas and migrations are applied on every open; both are idempotent.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// One connection: SQLite has a single writer and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock overrides the timestamp source (for testing).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		// merge_history keeps rows for entries deleted from the active table.
		"PRAGMA foreign_keys = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 backfills entry_sequence for databases written before the table
// existed, in queued_at order.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO entry_sequence (entry_id)
		SELECT id FROM queue_entries ORDER BY queued_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// lock acquires the store boundary. Every exported method holds it for its
// whole duration, including transactions.
func (s *Store) lock() (*sql.DB, func(), error) {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return nil, nil, model.NewError(model.KindStorage, "store is closed")
	}
	return s.db, s.mu.Unlock, nil
}

func storageErr(op string, err error) error {
	return model.WrapError(model.KindStorage, err, "%s", op)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// CURRENT_TIMESTAMP default form
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, model.WrapError(model.KindSerialization, err, "parse timestamp %q", s)
	}
	return t.UTC(), nil
}

// Ping verifies the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	db, unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}
