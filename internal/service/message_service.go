package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
	"supportchat/internal/metrics"
	"supportchat/internal/security"
)

const (
	maxMessageIDLen       = 128
	DefaultMaxContentSize = 16 * 1024
)

// MessageService implements idempotent message delivery. Content is
// encrypted before it reaches the store and decrypted on the way out,
// so every message it returns or publishes carries plaintext.
type MessageService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	encryptor     *security.Encryptor
	events        domain.Publisher
	log           *zap.Logger
	now           Clock

	MaxContentBytes int
	PageLimit       int
}

func NewMessageService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
	events domain.Publisher,
	log *zap.Logger,
) *MessageService {
	if events == nil {
		events = nopPublisher{}
	}
	return &MessageService{
		conversations:   conversations,
		messages:        messages,
		encryptor:       encryptor,
		events:          events,
		log:             logger.OrNop(log),
		now:             SystemClock,
		MaxContentBytes: DefaultMaxContentSize,
	}
}

// WithClock overrides the time source (tests).
func (s *MessageService) WithClock(c Clock) *MessageService {
	s.now = c
	return s
}

type SendInput struct {
	ConversationID string
	// ID is generated by the sender and reused on every retry.
	ID      string
	Content string
}

// Send persists a message under its client-generated id and publishes
// message_created. Resending an id that is already stored with the same
// content returns the stored message without a second event.
func (s *MessageService) Send(ctx context.Context, actor domain.Actor, in SendInput) (*domain.Message, error) {
	msg, err := s.send(ctx, actor, in)
	if err != nil {
		metrics.SendFailures.WithLabelValues(failureReason(err)).Inc()
	}
	return msg, err
}

func (s *MessageService) send(ctx context.Context, actor domain.Actor, in SendInput) (*domain.Message, error) {
	content, err := s.validate(in)
	if err != nil {
		return nil, err
	}
	conv, err := loadAuthorized(ctx, s.conversations, actor, in.ConversationID)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	stored, created, err := s.messages.Append(ctx, &domain.Message{
		ID:             in.ID,
		ConversationID: conv.ID,
		SenderRole:     actor.Role,
		SenderIdentity: actor.Identity,
		Content:        encrypted,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, storeErr(err)
	}

	out, err := s.decrypt(stored)
	if err != nil {
		return nil, err
	}
	if !created {
		if out.ConversationID != conv.ID ||
			out.SenderRole != actor.Role ||
			out.SenderIdentity != actor.Identity ||
			out.Content != content {
			return nil, domain.ErrDuplicateMessageID
		}
		metrics.MessagesSent.WithLabelValues(string(actor.Role), "true").Inc()
		s.log.Debug("duplicate send absorbed",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", in.ID),
		)
		return out, nil
	}

	metrics.MessagesSent.WithLabelValues(string(actor.Role), "false").Inc()
	s.events.Publish(domain.Event{
		Type:           domain.EventMessageCreated,
		ConversationID: conv.ID,
		Message:        out,
	})

	if actor.Role == domain.RoleStaff && conv.StaffID == nil {
		s.claim(ctx, conv.ID, actor.Identity)
	}
	return out, nil
}

// claim assigns the first staff member who answers an unassigned
// conversation.
func (s *MessageService) claim(ctx context.Context, conversationID, staffID string) {
	conv, changed, err := s.conversations.AssignStaff(ctx, conversationID, staffID, true)
	if err != nil {
		s.log.Warn("assign staff on first reply failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	if changed {
		s.events.Publish(domain.Event{
			Type:           domain.EventConversationUpdated,
			ConversationID: conversationID,
			Conversation:   conv,
		})
	}
}

func (s *MessageService) validate(in SendInput) (string, error) {
	if in.ID == "" {
		return "", fmt.Errorf("%w: message id is required", domain.ErrInvalidInput)
	}
	if len(in.ID) > maxMessageIDLen {
		return "", fmt.Errorf("%w: message id exceeds %d characters", domain.ErrInvalidInput, maxMessageIDLen)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return "", fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if s.MaxContentBytes > 0 && len(content) > s.MaxContentBytes {
		return "", fmt.Errorf("%w: message content exceeds %d bytes", domain.ErrInvalidInput, s.MaxContentBytes)
	}
	return content, nil
}

// List returns the conversation history in persistence order. At most
// limit of the newest messages are returned; limit <= 0 means PageLimit.
func (s *MessageService) List(ctx context.Context, actor domain.Actor, conversationID string, limit int) ([]*domain.Message, error) {
	if _, err := loadAuthorized(ctx, s.conversations, actor, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || (s.PageLimit > 0 && limit > s.PageLimit) {
		limit = s.PageLimit
	}
	msgs, err := s.messages.ListForConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	res := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		dec, err := s.decrypt(m)
		if err != nil {
			return nil, err
		}
		res = append(res, dec)
	}
	return res, nil
}

// Get returns one message by id. Deletion markers do not hide messages.
func (s *MessageService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Message, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	m, err := s.messages.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if _, err := loadAuthorized(ctx, s.conversations, actor, m.ConversationID); err != nil {
		return nil, err
	}
	return s.decrypt(m)
}

func (s *MessageService) decrypt(m *domain.Message) (*domain.Message, error) {
	plain, err := s.encryptor.Decrypt(m.Content)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	out := *m
	out.Content = plain
	return &out, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrConversationNotActive):
		return "not_active"
	case errors.Is(err, domain.ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDuplicateMessageID):
		return "duplicate_mismatch"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return "persistence"
	}
	return "other"
}

