package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"supportchat/internal/domain"
)

const messageColumns = `seq, id, conversation_id, sender_role, sender_identity, content, created_at, read_at`

type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

// Append locks the conversation row (FOR UPDATE) before inserting, so
// sends serialize with each other and with status transitions on the
// same conversation.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) (*domain.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status domain.Status
	err = tx.GetContext(ctx, &status, `SELECT status FROM conversations WHERE id = $1 FOR UPDATE`, m.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		// The id may still belong to a message in another conversation.
		if existing, gerr := getMessage(ctx, tx, m.ID); gerr == nil {
			return existing, false, nil
		}
		return nil, false, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock conversation: %w", err)
	}

	existing, err := getMessage(ctx, tx, m.ID)
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if status != domain.StatusActive {
		return nil, false, domain.ErrConversationNotActive
	}

	var last sql.NullTime
	err = tx.GetContext(ctx, &last, `
		SELECT created_at FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, m.ConversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("read last message time: %w", err)
	}
	if last.Valid && !m.CreatedAt.After(last.Time) {
		m.CreatedAt = last.Time.Add(time.Microsecond)
	}

	// ON CONFLICT covers a concurrent insert of the same id into a
	// different conversation, which holds a different row lock.
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_role, sender_identity, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq, created_at
	`, m.ID, m.ConversationID, m.SenderRole, m.SenderIdentity, m.Content, m.CreatedAt,
	).Scan(&m.Seq, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := getMessage(ctx, tx, m.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		m.CreatedAt, m.ConversationID,
	); err != nil {
		return nil, false, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return m, true, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	return getMessage(ctx, r.db, id)
}

func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	var (
		res []*domain.Message
		err error
	)
	if limit > 0 {
		err = r.db.SelectContext(ctx, &res, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_id = $1
				ORDER BY created_at DESC, seq DESC
				LIMIT $2
			) recent
			ORDER BY created_at ASC, seq ASC
		`, conversationID, limit)
	} else {
		err = r.db.SelectContext(ctx, &res, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at ASC, seq ASC
		`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return res, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, reader domain.Role, at time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE messages SET read_at = $1
		WHERE conversation_id = $2 AND read_at IS NULL AND sender_role <> $3
		RETURNING id
	`, at, conversationID, reader)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return ids, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, f domain.UnreadFilter) (int, error) {
	where := []string{"m.read_at IS NULL", "m.sender_role <> ?"}
	args := []any{f.Role}
	switch f.Role {
	case domain.RoleClient:
		where = append(where, "c.client_deleted_at IS NULL", "c.client_id = ?")
		args = append(args, f.Identity)
	case domain.RoleStaff:
		where = append(where, "c.admin_deleted_at IS NULL")
	default:
		return 0, fmt.Errorf("%w: role %q", domain.ErrInvalidInput, f.Role)
	}
	if f.ConversationID != nil {
		where = append(where, "c.id = ?")
		args = append(args, *f.ConversationID)
	}
	if f.ProjectRef != nil {
		where = append(where, "c.project_ref = ?")
		args = append(args, *f.ProjectRef)
	}

	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE `+strings.Join(where, " AND ")), args...)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func getMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Message, error) {
	m := &domain.Message{}
	err := sqlx.GetContext(ctx, q, m, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}
