package service

import (
	"context"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
	"supportchat/internal/metrics"
)

// ReceiptService marks the other party's messages as read.
type ReceiptService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	events        domain.Publisher
	log           *zap.Logger
	now           Clock
}

func NewReceiptService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	events domain.Publisher,
	log *zap.Logger,
) *ReceiptService {
	if events == nil {
		events = nopPublisher{}
	}
	return &ReceiptService{
		conversations: conversations,
		messages:      messages,
		events:        events,
		log:           logger.OrNop(log),
		now:           SystemClock,
	}
}

// WithClock overrides the time source (tests).
func (s *ReceiptService) WithClock(c Clock) *ReceiptService {
	s.now = c
	return s
}

// MarkRead stamps read_at on every unread message sent by the opposite
// party and returns the ids it changed. With nothing unread it is a
// no-op and publishes nothing.
func (s *ReceiptService) MarkRead(ctx context.Context, actor domain.Actor, conversationID string) (*domain.ReadReceipt, error) {
	if _, err := loadAuthorized(ctx, s.conversations, actor, conversationID); err != nil {
		return nil, err
	}
	at := s.now()
	ids, err := s.messages.MarkRead(ctx, conversationID, actor.Role, at)
	if err != nil {
		return nil, storeErr(err)
	}
	receipt := &domain.ReadReceipt{
		ReaderRole: actor.Role,
		MessageIDs: ids,
		ReadAt:     at,
	}
	if len(ids) == 0 {
		return receipt, nil
	}

	metrics.MessagesRead.Add(float64(len(ids)))
	s.log.Debug("messages read",
		zap.String("conversation_id", conversationID),
		zap.String("reader_role", string(actor.Role)),
		zap.Int("count", len(ids)),
	)
	s.events.Publish(domain.Event{
		Type:           domain.EventMessagesRead,
		ConversationID: conversationID,
		Read:           receipt,
	})
	return receipt, nil
}
