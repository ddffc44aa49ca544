// Package store persists queue and agent state to SQLite so a restarted
// daemon can recover in-flight work.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed snapshot store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a snapshot database at the given path. Parent
// directories are created as needed. WAL mode and a busy timeout are enabled
// through the connection string.
func New(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory store for testing. A shared cache lets
// multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*Store, error) {
	// Snapshot writes are serialized by the daemon loop; one writer plus one
	// reader is enough and avoids lock contention in modernc.org/sqlite.
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT,
		depends_on TEXT,
		status INTEGER NOT NULL,
		assigned_agent_id TEXT,
		attempt_count INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		cpu_percent REAL,
		memory_mb INTEGER,
		max_duration_ms INTEGER,
		locked_resources TEXT,
		result TEXT,
		reason TEXT,
		not_before DATETIME,
		created_at DATETIME NOT NULL,
		started_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		state INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		current_task_ids TEXT,
		restart_count INTEGER NOT NULL,
		spawned_at DATETIME NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
