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

const conversationColumns = `id, client_id, staff_id, title, category, project_ref, status,
	created_at, updated_at, closed_at, archived_at,
	client_deleted_at, admin_deleted_at, rating_requested_at`

type ConversationRepo struct {
	db *sqlx.DB
}

func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO conversations (id, client_id, staff_id, title, category, project_ref, status, created_at, updated_at)
		VALUES (:id, :client_id, :staff_id, :title, :category, :project_ref, :status, :created_at, :updated_at)
	`, c)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	return getConversation(ctx, r.db, id)
}

func (r *ConversationRepo) List(ctx context.Context, f domain.ConversationFilter) ([]*domain.Conversation, error) {
	var (
		where []string
		args  []any
	)
	switch f.Role {
	case domain.RoleClient:
		where = append(where, "client_id = ?", "client_deleted_at IS NULL")
		args = append(args, f.Identity)
	case domain.RoleStaff:
		where = append(where, "admin_deleted_at IS NULL")
	default:
		return nil, fmt.Errorf("%w: role %q", domain.ErrInvalidInput, f.Role)
	}
	if f.ProjectRef != nil {
		where = append(where, "project_ref = ?")
		args = append(args, *f.ProjectRef)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY updated_at DESC, id ASC`

	var res []*domain.Conversation
	if err := r.db.SelectContext(ctx, &res, query, args...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return res, nil
}

func (r *ConversationRepo) Transition(
	ctx context.Context,
	id string,
	from []domain.Status,
	to domain.Status,
	at time.Time,
) (*domain.Conversation, bool, error) {
	set, setArgs := transitionSet(to, at)
	query, args, err := sqlx.In(
		`UPDATE conversations SET `+set+` WHERE id = ? AND status IN (?) RETURNING `+conversationColumns,
		append(setArgs, id, from)...,
	)
	if err != nil {
		return nil, false, fmt.Errorf("build transition: %w", err)
	}

	c := &domain.Conversation{}
	err = r.db.GetContext(ctx, c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		// Precondition failed (or lost a race): report what is there now.
		current, err := getConversation(ctx, r.db, id)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("transition conversation: %w", err)
	}
	return c, true, nil
}

// transitionSet returns the SET clause for moving into status `to`.
// Reopening clears both lifecycle timestamps.
func transitionSet(to domain.Status, at time.Time) (string, []any) {
	switch to {
	case domain.StatusClosed:
		return `status = ?, updated_at = ?, closed_at = ?`, []any{to, at, at}
	case domain.StatusArchived:
		return `status = ?, updated_at = ?, archived_at = ?`, []any{to, at, at}
	default:
		return `status = ?, updated_at = ?, closed_at = NULL, archived_at = NULL`, []any{to, at}
	}
}

func (r *ConversationRepo) SoftDelete(ctx context.Context, id string, role domain.Role, at time.Time) (*domain.Conversation, error) {
	column := "admin_deleted_at"
	if role == domain.RoleClient {
		column = "client_deleted_at"
	}
	// The IS NULL guard keeps the first deletion time on repeated calls.
	if _, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`,
		at, id,
	); err != nil {
		return nil, fmt.Errorf("soft delete conversation: %w", err)
	}
	return getConversation(ctx, r.db, id)
}

func (r *ConversationRepo) AssignStaff(ctx context.Context, id, staffID string, onlyIfUnassigned bool) (*domain.Conversation, bool, error) {
	query := `UPDATE conversations SET staff_id = ? WHERE id = ?`
	if onlyIfUnassigned {
		query += ` AND staff_id IS NULL`
	}
	query += ` RETURNING ` + conversationColumns

	c := &domain.Conversation{}
	err := r.db.GetContext(ctx, c, query, staffID, id)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := getConversation(ctx, r.db, id)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("assign staff: %w", err)
	}
	return c, true, nil
}

func (r *ConversationRepo) MarkRatingRequested(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET rating_requested_at = ?
		WHERE id = ? AND rating_requested_at IS NULL
	`, at, id)
	if err != nil {
		return false, fmt.Errorf("mark rating requested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func getConversation(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := sqlx.GetContext(ctx, q, c, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}
