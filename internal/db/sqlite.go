// Package db opens the SQLite database backing the session and message
// tables and keeps the schema current.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the database at dbPath and runs schema migrations.
// Each call returns an independent connection pool; there is no package-level
// singleton.
func Open(dbPath string) (*sql.DB, error) {
	// WAL mode for better concurrent access. The pragmas ride on the DSN so
	// they apply to every pooled connection, not just the first.
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		tag TEXT,
		name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 0,
		last_active_at DATETIME NOT NULL,
		metadata TEXT,
		metadata_version INTEGER NOT NULL DEFAULT 0,
		agent_state TEXT,
		agent_state_version INTEGER NOT NULL DEFAULT 0,
		todos TEXT,
		permission_mode TEXT NOT NULL DEFAULT '',
		model_mode TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		thinking INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_namespace ON sessions(namespace);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_namespace_tag
		ON sessions(namespace, tag) WHERE tag IS NOT NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		local_id TEXT,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_local_id
		ON messages(session_id, local_id) WHERE local_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`

	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// NewTestDB creates a fresh in-memory database for tests.
func NewTestDB() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// The ledger relies on transactions for seq allocation; a single
	// connection keeps :memory: databases visible across them.
	conn.SetMaxOpenConns(1)

	return conn, nil
}
