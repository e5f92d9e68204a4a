package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"supportchat/internal/domain"
)

type RatingRepo struct {
	db *sqlx.DB
}

func NewRatingRepo(db *sqlx.DB) *RatingRepo {
	return &RatingRepo{db: db}
}

var _ domain.RatingRepository = (*RatingRepo)(nil)

func (r *RatingRepo) Create(ctx context.Context, rt *domain.Rating) error {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO ratings (conversation_id, rating, comments, created_at)
		VALUES (:conversation_id, :rating, :comments, :created_at)
		ON CONFLICT (conversation_id) DO NOTHING
	`, rt)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrRatingExists
	}
	return nil
}

func (r *RatingRepo) GetByConversation(ctx context.Context, conversationID string) (*domain.Rating, error) {
	rt := &domain.Rating{}
	err := r.db.GetContext(ctx, rt, `
		SELECT conversation_id, rating, comments, created_at
		FROM ratings WHERE conversation_id = $1
	`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRatingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rating: %w", err)
	}
	return rt, nil
}
