// Package store owns the sqlite database backing the approval queue,
// checkpoints and the execution log. All durable state lives in one file
// so a restart (or crash) recovers the full picture.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS approval_items (
	id              TEXT PRIMARY KEY,
	command         TEXT NOT NULL,
	classification  TEXT NOT NULL,
	risk            TEXT NOT NULL,
	command_type    TEXT NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	approved_by     TEXT NOT NULL DEFAULT '',
	autonomy_token  TEXT NOT NULL DEFAULT '',
	rollback_info   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	approved_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approval_items_status ON approval_items(status);

CREATE TABLE IF NOT EXISTS autonomy_tokens (
	id          TEXT PRIMARY KEY,
	granted_by  TEXT NOT NULL,
	max_risk    TEXT NOT NULL,
	path_root   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	revoked     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	item_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	rolled_back_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS file_operations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	checkpoint_id  TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
	path           TEXT NOT NULL,
	op             TEXT NOT NULL,
	content_hash   TEXT NOT NULL DEFAULT '',
	backup_path    TEXT NOT NULL DEFAULT '',
	existed        INTEGER NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_operations_checkpoint ON file_operations(checkpoint_id);

CREATE TABLE IF NOT EXISTS execution_log (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id        TEXT NOT NULL DEFAULT '',
	command        TEXT NOT NULL,
	risk           TEXT NOT NULL,
	command_type   TEXT NOT NULL,
	status         TEXT NOT NULL,
	exit_code      INTEGER NOT NULL DEFAULT 0,
	stdout         TEXT NOT NULL DEFAULT '',
	stderr         TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	checkpoint_id  TEXT NOT NULL DEFAULT '',
	approved_by    TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_log_item ON execution_log(item_id);
`

// Store wraps the sqlite handle shared by the queue, the rollback manager
// and the execution log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite handles one writer at a time; funneling everything through a
	// single connection avoids SQLITE_BUSY under concurrent callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle to the packages that own their tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
