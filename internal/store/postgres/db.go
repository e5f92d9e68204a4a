package postgres

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the support chat schema on PostgreSQL.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		// Conversations
		`CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT         PRIMARY KEY,
			client_id           TEXT         NOT NULL,
			staff_id            TEXT,
			title               VARCHAR(200),
			category            VARCHAR(100),
			project_ref         TEXT,
			status              VARCHAR(16)  NOT NULL DEFAULT 'active'
			                    CHECK (status IN ('active', 'closed', 'archived')),
			created_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			closed_at           TIMESTAMPTZ,
			archived_at         TIMESTAMPTZ,
			client_deleted_at   TIMESTAMPTZ,
			admin_deleted_at    TIMESTAMPTZ,
			rating_requested_at TIMESTAMPTZ
		)`,

		// Messages; seq breaks created_at ties in insertion order.
		`CREATE TABLE IF NOT EXISTS messages (
			seq             BIGSERIAL    PRIMARY KEY,
			id              TEXT         NOT NULL UNIQUE,
			conversation_id TEXT         NOT NULL REFERENCES conversations(id) ON DELETE RESTRICT,
			sender_role     VARCHAR(16)  NOT NULL CHECK (sender_role IN ('client', 'staff')),
			sender_identity TEXT         NOT NULL,
			content         TEXT         NOT NULL,
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			read_at         TIMESTAMPTZ
		)`,

		// Ratings, at most one per conversation
		`CREATE TABLE IF NOT EXISTS ratings (
			conversation_id TEXT         PRIMARY KEY REFERENCES conversations(id) ON DELETE RESTRICT,
			rating          SMALLINT     NOT NULL CHECK (rating BETWEEN 1 AND 5),
			comments        TEXT,
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, sender_role) WHERE read_at IS NULL`,

		// Append-only history: only read_at may change, once.
		`CREATE OR REPLACE FUNCTION messages_guard() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				RAISE EXCEPTION 'message history is append-only';
			END IF;
			IF NEW.id <> OLD.id
			   OR NEW.conversation_id <> OLD.conversation_id
			   OR NEW.sender_role <> OLD.sender_role
			   OR NEW.sender_identity <> OLD.sender_identity
			   OR NEW.content <> OLD.content
			   OR NEW.created_at <> OLD.created_at THEN
				RAISE EXCEPTION 'messages are immutable';
			END IF;
			IF OLD.read_at IS NOT NULL AND NEW.read_at IS DISTINCT FROM OLD.read_at THEN
				RAISE EXCEPTION 'read_at is already set';
			END IF;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_messages_guard ON messages`,
		`CREATE TRIGGER trg_messages_guard
			BEFORE UPDATE OR DELETE ON messages
			FOR EACH ROW EXECUTE FUNCTION messages_guard()`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
