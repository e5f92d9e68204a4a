package sqlite

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

// Append inserts m inside a transaction that first re-reads the
// conversation status, so a concurrent close/archive either lands
// before (send fails) or after (message is kept). m.CreatedAt is the
// caller's clock reading; it is raised when needed so created_at never
// goes backwards within a conversation.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) (*domain.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := getMessage(ctx, tx, m.ID)
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var status domain.Status
	err = tx.GetContext(ctx, &status, `SELECT status FROM conversations WHERE id = ?`, m.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("read conversation status: %w", err)
	}
	if status != domain.StatusActive {
		return nil, false, domain.ErrConversationNotActive
	}

	var last sql.NullTime
	err = tx.GetContext(ctx, &last, `
		SELECT created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, m.ConversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("read last message time: %w", err)
	}
	if last.Valid && !m.CreatedAt.After(last.Time) {
		m.CreatedAt = last.Time.Add(time.Microsecond)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_role, sender_identity, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.SenderRole, m.SenderIdentity, m.Content, m.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	m.Seq = seq

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
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
	// Newest `limit` messages, returned oldest first.
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	if limit <= 0 {
		limit = -1
	}
	var res []*domain.Message
	if err := r.db.SelectContext(ctx, &res, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return res, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, reader domain.Role, at time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND read_at IS NULL AND sender_role <> ?
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
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func getMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Message, error) {
	m := &domain.Message{}
	err := sqlx.GetContext(ctx, q, m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}
