package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
	"supportchat/internal/security"
)

// ProjectDirectory answers whether a project reference exists. It is
// provided by the project management system; a nil directory accepts
// any reference.
type ProjectDirectory interface {
	ProjectExists(ctx context.Context, ref string) (bool, error)
}

// Clock returns the current server time.
type Clock func() time.Time

// SystemClock is UTC wall time truncated to the precision every store keeps.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

var domainErrors = []error{
	domain.ErrConversationNotFound,
	domain.ErrConversationNotActive,
	domain.ErrConversationNotClosed,
	domain.ErrInvalidTransition,
	domain.ErrDuplicateMessageID,
	domain.ErrMessageNotFound,
	domain.ErrRatingExists,
	domain.ErrRatingNotFound,
	domain.ErrUnauthorized,
	domain.ErrInvalidInput,
	domain.ErrPersistenceUnavailable,
}

// storeErr passes domain errors through and classifies everything else
// coming out of a repository as a transient persistence failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err)
}

func checkActor(actor domain.Actor) error {
	if !actor.Role.Valid() || actor.Identity == "" {
		return domain.ErrUnauthorized
	}
	return nil
}

// authorize enforces party membership at the data-access boundary:
// staff may act on any conversation, a client only on its own.
func authorize(actor domain.Actor, c *domain.Conversation) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if actor.Role == domain.RoleStaff || c.ClientID == actor.Identity {
		return nil
	}
	return domain.ErrUnauthorized
}

// loadAuthorized fetches a conversation and checks the actor may see it.
func loadAuthorized(ctx context.Context, repo domain.ConversationRepository, actor domain.Actor, id string) (*domain.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", domain.ErrInvalidInput)
	}
	conv, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if err := authorize(actor, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Bus is a publisher that also lets in-process listeners observe every
// event. *ws.Hub satisfies it.
type Bus interface {
	domain.Publisher
	OnPublish(fn func(domain.Event))
}

// Stores groups the repositories of one backend.
type Stores struct {
	Conversations domain.ConversationRepository
	Messages      domain.MessageRepository
	Ratings       domain.RatingRepository
}

// Services is the full chat core wired to one store and one bus.
type Services struct {
	Conversations *ConversationService
	Messages      *MessageService
	Receipts      *ReceiptService
	Unread        *UnreadCounter
	Ratings       *RatingService
}

type Options struct {
	Encryptor       *security.Encryptor
	Projects        ProjectDirectory
	MaxContentBytes int
	PageLimit       int
	// UnreadCacheTTL bounds how long an unread count may be served from
	// memory. Zero disables the cache.
	UnreadCacheTTL  time.Duration
	Logger          *zap.Logger
	Clock           Clock
}

func New(st Stores, bus Bus, opts Options) *Services {
	log := logger.OrNop(opts.Logger)
	s := &Services{
		Conversations: NewConversationService(st.Conversations, st.Ratings, opts.Projects, bus, log.Named("conversations")),
		Messages:      NewMessageService(st.Conversations, st.Messages, opts.Encryptor, bus, log.Named("messages")),
		Receipts:      NewReceiptService(st.Conversations, st.Messages, bus, log.Named("receipts")),
		Unread:        NewUnreadCounter(st.Conversations, st.Messages, opts.UnreadCacheTTL),
		Ratings:       NewRatingService(st.Conversations, st.Ratings, log.Named("ratings")),
	}
	if opts.MaxContentBytes > 0 {
		s.Messages.MaxContentBytes = opts.MaxContentBytes
	}
	s.Messages.PageLimit = opts.PageLimit
	if opts.Clock != nil {
		s.Conversations.now = opts.Clock
		s.Messages.now = opts.Clock
		s.Receipts.now = opts.Clock
		s.Ratings.now = opts.Clock
		s.Unread.now = opts.Clock
	}
	bus.OnPublish(s.Unread.Invalidate)
	return s
}
