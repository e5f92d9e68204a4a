package domain

import (
	"context"
	"time"
)

// ConversationRepository defines persistence operations for conversations.
// Every status change is a conditional write on the current status.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	List(ctx context.Context, f ConversationFilter) ([]*Conversation, error)
	// Transition moves the conversation from one of `from` to `to`. It
	// returns the updated row, or (current, false) when the precondition
	// did not hold.
	Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Conversation, bool, error)
	SoftDelete(ctx context.Context, id string, role Role, at time.Time) (*Conversation, error)
	AssignStaff(ctx context.Context, id, staffID string, onlyIfUnassigned bool) (*Conversation, bool, error)
	MarkRatingRequested(ctx context.Context, id string, at time.Time) (bool, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Append persists m if its conversation is active. It returns
	// created=false with the stored row when m.ID already exists.
	Append(ctx context.Context, m *Message) (stored *Message, created bool, err error)
	GetByID(ctx context.Context, id string) (*Message, error)
	ListForConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID string, reader Role, at time.Time) ([]string, error)
	CountUnread(ctx context.Context, f UnreadFilter) (int, error)
}

// RatingRepository defines persistence operations for ratings.
type RatingRepository interface {
	Create(ctx context.Context, r *Rating) error
	GetByConversation(ctx context.Context, conversationID string) (*Rating, error)
}
