package domain

import "time"

// EventType names the kinds of realtime events scoped to a conversation.
type EventType string

const (
	EventMessageCreated      EventType = "message_created"
	EventMessagesRead        EventType = "messages_read"
	EventConversationUpdated EventType = "conversation_updated"
	EventRatingRequested     EventType = "rating_requested"
)

// Event is published on a conversation's stream. Exactly one of the
// payload fields is set, according to Type.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id"`
	Message        *Message      `json:"message,omitempty"`
	Read           *ReadReceipt  `json:"read,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}

// ReadReceipt describes a read-state change: every listed message was
// marked read at ReadAt by a member of ReaderRole.
type ReadReceipt struct {
	ReaderRole Role      `json:"reader_role"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// Publisher fans events out to live subscribers. Delivery is best
// effort; durable state is always the recovery path.
type Publisher interface {
	Publish(ev Event)
}
