// Package client holds the consumer side of the chat core: a live
// conversation View, the optimistic send Coordinator, and transports
// that reach the core in-process or over HTTP and WebSocket.
package client

import (
	"context"

	"supportchat/internal/domain"
	"supportchat/internal/service"
	"supportchat/internal/ws"
)

// Transport is the chat core as seen by one authenticated actor.
type Transport interface {
	Actor() domain.Actor
	Send(ctx context.Context, conversationID, id, content string) (*domain.Message, error)
	MarkRead(ctx context.Context, conversationID string) (*domain.ReadReceipt, error)
	Messages(ctx context.Context, conversationID string) ([]*domain.Message, error)
	Subscribe(ctx context.Context, conversationID string) (Stream, error)
}

// Stream is a live event feed for one conversation. Events is closed
// after Close or when the underlying connection ends.
type Stream interface {
	Events() <-chan domain.Event
	Close() error
}

// Local reaches the core in-process.
type Local struct {
	actor domain.Actor
	svc   *service.Services
	hub   *ws.Hub
}

var _ Transport = (*Local)(nil)

func NewLocal(actor domain.Actor, svc *service.Services, hub *ws.Hub) *Local {
	return &Local{actor: actor, svc: svc, hub: hub}
}

func (l *Local) Actor() domain.Actor { return l.actor }

func (l *Local) Send(ctx context.Context, conversationID, id, content string) (*domain.Message, error) {
	return l.svc.Messages.Send(ctx, l.actor, service.SendInput{
		ConversationID: conversationID,
		ID:             id,
		Content:        content,
	})
}

func (l *Local) MarkRead(ctx context.Context, conversationID string) (*domain.ReadReceipt, error) {
	return l.svc.Receipts.MarkRead(ctx, l.actor, conversationID)
}

func (l *Local) Messages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	return l.svc.Messages.List(ctx, l.actor, conversationID, 0)
}

func (l *Local) Subscribe(ctx context.Context, conversationID string) (Stream, error) {
	if _, err := l.svc.Conversations.Get(ctx, l.actor, conversationID); err != nil {
		return nil, err
	}
	return localStream{l.hub.Subscribe(conversationID)}, nil
}

type localStream struct {
	sub *ws.Subscription
}

func (s localStream) Events() <-chan domain.Event { return s.sub.Events() }

func (s localStream) Close() error {
	s.sub.Close()
	return nil
}
