package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
	"supportchat/internal/metrics"
)

const (
	maxTitleLen    = 200
	maxCategoryLen = 100
)

// ConversationService owns the conversation lifecycle state machine.
type ConversationService struct {
	conversations domain.ConversationRepository
	ratings       domain.RatingRepository
	projects      ProjectDirectory
	events        domain.Publisher
	log           *zap.Logger
	now           Clock
}

func NewConversationService(
	conversations domain.ConversationRepository,
	ratings domain.RatingRepository,
	projects ProjectDirectory,
	events domain.Publisher,
	log *zap.Logger,
) *ConversationService {
	if events == nil {
		events = nopPublisher{}
	}
	return &ConversationService{
		conversations: conversations,
		ratings:       ratings,
		projects:      projects,
		events:        events,
		log:           logger.OrNop(log),
		now:           SystemClock,
	}
}

// WithClock overrides the time source (tests).
func (s *ConversationService) WithClock(c Clock) *ConversationService {
	s.now = c
	return s
}

type ConversationCreateInput struct {
	// ClientID is required when staff opens a conversation on behalf of
	// a client; a client may only open conversations for itself.
	ClientID   string
	Title      *string
	Category   *string
	ProjectRef *string
}

func (s *ConversationService) Create(
	ctx context.Context,
	actor domain.Actor,
	in ConversationCreateInput,
) (*domain.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	conv := &domain.Conversation{
		ID:     uuid.NewString(),
		Status: domain.StatusActive,
	}
	switch actor.Role {
	case domain.RoleClient:
		if in.ClientID != "" && in.ClientID != actor.Identity {
			return nil, domain.ErrUnauthorized
		}
		conv.ClientID = actor.Identity
	case domain.RoleStaff:
		if strings.TrimSpace(in.ClientID) == "" {
			return nil, fmt.Errorf("%w: client_id is required", domain.ErrInvalidInput)
		}
		conv.ClientID = strings.TrimSpace(in.ClientID)
		staff := actor.Identity
		conv.StaffID = &staff
	}

	var err error
	if conv.Title, err = optionalText(in.Title, "title", maxTitleLen); err != nil {
		return nil, err
	}
	if conv.Category, err = optionalText(in.Category, "category", maxCategoryLen); err != nil {
		return nil, err
	}
	if conv.ProjectRef, err = optionalText(in.ProjectRef, "project_ref", 0); err != nil {
		return nil, err
	}
	if conv.ProjectRef != nil && s.projects != nil {
		ok, err := s.projects.ProjectExists(ctx, *conv.ProjectRef)
		if err != nil {
			return nil, fmt.Errorf("check project: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown project %q", domain.ErrInvalidInput, *conv.ProjectRef)
		}
	}

	now := s.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, storeErr(err)
	}

	s.log.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("actor_role", string(actor.Role)),
	)
	return conv, nil
}

type ConversationListInput struct {
	ProjectRef *string
	Status     *domain.Status
}

// List returns the conversations visible to the actor, most recently
// updated first. A conversation the actor soft-deleted is never listed.
func (s *ConversationService) List(ctx context.Context, actor domain.Actor, in ConversationListInput) ([]*domain.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, *in.Status)
	}
	convs, err := s.conversations.List(ctx, domain.ConversationFilter{
		Role:       actor.Role,
		Identity:   actor.Identity,
		ProjectRef: in.ProjectRef,
		Status:     in.Status,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return convs, nil
}

func (s *ConversationService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	return loadAuthorized(ctx, s.conversations, actor, id)
}

// Close moves an active conversation to closed and invites the client
// to rate it (at most once per conversation).
func (s *ConversationService) Close(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	conv, err := s.transition(ctx, actor, id, "close", []domain.Status{domain.StatusActive}, domain.StatusClosed)
	if err != nil {
		return conv, err
	}
	s.requestRating(ctx, conv)
	return conv, nil
}

func (s *ConversationService) Archive(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	return s.transition(ctx, actor, id, "archive", []domain.Status{domain.StatusActive}, domain.StatusArchived)
}

func (s *ConversationService) Reopen(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	return s.transition(ctx, actor, id, "reopen", []domain.Status{domain.StatusClosed, domain.StatusArchived}, domain.StatusActive)
}

// transition performs a check-and-set on status. When the precondition
// fails it returns the authoritative current row with a TransitionError.
func (s *ConversationService) transition(
	ctx context.Context,
	actor domain.Actor,
	id, op string,
	from []domain.Status,
	to domain.Status,
) (*domain.Conversation, error) {
	if _, err := loadAuthorized(ctx, s.conversations, actor, id); err != nil {
		return nil, err
	}

	conv, ok, err := s.conversations.Transition(ctx, id, from, to, s.now())
	if err != nil {
		metrics.Transitions.WithLabelValues(op, "error").Inc()
		return nil, storeErr(err)
	}
	if !ok {
		metrics.Transitions.WithLabelValues(op, "rejected").Inc()
		return conv, &domain.TransitionError{Op: op, Current: conv.Status}
	}

	metrics.Transitions.WithLabelValues(op, "ok").Inc()
	s.log.Info("conversation transition",
		zap.String("conversation_id", id),
		zap.String("op", op),
		zap.String("status", string(conv.Status)),
		zap.String("actor_role", string(actor.Role)),
	)
	s.events.Publish(domain.Event{
		Type:           domain.EventConversationUpdated,
		ConversationID: id,
		Conversation:   conv,
	})
	return conv, nil
}

func (s *ConversationService) requestRating(ctx context.Context, conv *domain.Conversation) {
	if s.ratings != nil {
		_, err := s.ratings.GetByConversation(ctx, conv.ID)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrRatingNotFound) {
			s.log.Warn("rating lookup failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			return
		}
	}

	first, err := s.conversations.MarkRatingRequested(ctx, conv.ID, s.now())
	if err != nil {
		s.log.Warn("mark rating requested failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	if !first {
		return
	}
	s.events.Publish(domain.Event{
		Type:           domain.EventRatingRequested,
		ConversationID: conv.ID,
		Conversation:   conv,
	})
}

// SoftDelete hides the conversation from the actor's own list. It never
// touches status, messages or the other party's marker, and repeating
// it keeps the original deletion time.
func (s *ConversationService) SoftDelete(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	prev, err := loadAuthorized(ctx, s.conversations, actor, id)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversations.SoftDelete(ctx, id, actor.Role, s.now())
	if err != nil {
		return nil, storeErr(err)
	}
	if prev.VisibleTo(actor.Role) {
		s.events.Publish(domain.Event{
			Type:           domain.EventConversationUpdated,
			ConversationID: id,
			Conversation:   conv,
		})
	}
	return conv, nil
}

// Assign sets the staff member responsible for a conversation.
func (s *ConversationService) Assign(ctx context.Context, actor domain.Actor, id, staffID string) (*domain.Conversation, error) {
	if actor.Role != domain.RoleStaff {
		return nil, domain.ErrUnauthorized
	}
	if _, err := loadAuthorized(ctx, s.conversations, actor, id); err != nil {
		return nil, err
	}
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		staffID = actor.Identity
	}
	conv, changed, err := s.conversations.AssignStaff(ctx, id, staffID, false)
	if err != nil {
		return nil, storeErr(err)
	}
	if changed {
		s.events.Publish(domain.Event{
			Type:           domain.EventConversationUpdated,
			ConversationID: id,
			Conversation:   conv,
		})
	}
	return conv, nil
}

func optionalText(v *string, field string, max int) (*string, error) {
	if v == nil {
		return nil, nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil, nil
	}
	if max > 0 && len([]rune(t)) > max {
		return nil, fmt.Errorf("%w: %s exceeds %d characters", domain.ErrInvalidInput, field, max)
	}
	return &t, nil
}
