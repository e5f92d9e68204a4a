package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN. SQLite allows a
// single writer, so the pool is pinned to one connection; that also
// makes in-memory databases shared across calls.
func Open(dsn string) (*sqlx.DB, error) {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent CREATE TABLE / INDEX / TRIGGER statements.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			client_id           TEXT NOT NULL,
			staff_id            TEXT,
			title               TEXT,
			category            TEXT,
			project_ref         TEXT,
			status              TEXT NOT NULL DEFAULT 'active'
			                    CHECK (status IN ('active', 'closed', 'archived')),
			created_at          DATETIME NOT NULL,
			updated_at          DATETIME NOT NULL,
			closed_at           DATETIME,
			archived_at         DATETIME,
			client_deleted_at   DATETIME,
			admin_deleted_at    DATETIME,
			rating_requested_at DATETIME
		);`,
		// seq preserves insertion order for created_at ties.
		`CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE RESTRICT,
			sender_role     TEXT NOT NULL CHECK (sender_role IN ('client', 'staff')),
			sender_identity TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			read_at         DATETIME DEFAULT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ratings (
			conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE RESTRICT,
			rating          INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
			comments        TEXT,
			created_at      DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, sender_role) WHERE read_at IS NULL;`,
		// Messages are append-only: only read_at may change, and only from NULL.
		`CREATE TRIGGER IF NOT EXISTS trg_messages_immutable
			BEFORE UPDATE OF id, conversation_id, sender_role, sender_identity, content, created_at ON messages
			BEGIN
				SELECT RAISE(ABORT, 'messages are immutable');
			END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_messages_read_once
			BEFORE UPDATE OF read_at ON messages
			WHEN OLD.read_at IS NOT NULL
			BEGIN
				SELECT RAISE(ABORT, 'read_at is already set');
			END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_messages_no_delete
			BEFORE DELETE ON messages
			BEGIN
				SELECT RAISE(ABORT, 'message history is append-only');
			END;`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}
