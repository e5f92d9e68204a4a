package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
)

const maxCommentsLen = 2000

// RatingService records the client's feedback on a closed conversation.
type RatingService struct {
	conversations domain.ConversationRepository
	ratings       domain.RatingRepository
	log           *zap.Logger
	now           Clock
}

func NewRatingService(conversations domain.ConversationRepository, ratings domain.RatingRepository, log *zap.Logger) *RatingService {
	return &RatingService{
		conversations: conversations,
		ratings:       ratings,
		log:           logger.OrNop(log),
		now:           SystemClock,
	}
}

func (s *RatingService) Submit(
	ctx context.Context,
	actor domain.Actor,
	conversationID string,
	rating int,
	comments *string,
) (*domain.Rating, error) {
	if actor.Role != domain.RoleClient {
		return nil, domain.ErrUnauthorized
	}
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", domain.ErrInvalidInput)
	}
	var err error
	if comments, err = optionalText(comments, "comments", maxCommentsLen); err != nil {
		return nil, err
	}

	conv, err := loadAuthorized(ctx, s.conversations, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.StatusClosed {
		return nil, domain.ErrConversationNotClosed
	}

	r := &domain.Rating{
		ConversationID: conv.ID,
		Rating:         rating,
		Comments:       comments,
		CreatedAt:      s.now(),
	}
	if err := s.ratings.Create(ctx, r); err != nil {
		return nil, storeErr(err)
	}
	s.log.Info("conversation rated",
		zap.String("conversation_id", conv.ID),
		zap.Int("rating", rating),
	)
	return r, nil
}

func (s *RatingService) Get(ctx context.Context, actor domain.Actor, conversationID string) (*domain.Rating, error) {
	if _, err := loadAuthorized(ctx, s.conversations, actor, conversationID); err != nil {
		return nil, err
	}
	r, err := s.ratings.GetByConversation(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}
