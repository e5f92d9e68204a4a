package ws

import "supportchat/internal/domain"

// Frame types sent by the server in addition to the domain event types.
const (
	FrameAck   = "ack"
	FrameError = "error"
	FramePong  = "pong"
)

// Frame types accepted from clients.
const (
	FrameSend     = "send"
	FrameMarkRead = "mark_read"
	FramePing     = "ping"
)

// ServerFrame is every JSON message written to a socket. Event frames
// carry one of Message/Read/Conversation; ack and error frames echo
// the Ref of the client frame they answer.
type ServerFrame struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Ref            string               `json:"ref,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
	Read           *domain.ReadReceipt  `json:"read,omitempty"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
	Code           string               `json:"code,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// ClientFrame is a command read from a socket. For send frames ID is
// the client-generated message id; Ref is an optional correlation
// token echoed back (defaults to ID).
type ClientFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

func eventFrame(ev domain.Event) ServerFrame {
	return ServerFrame{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		Message:        ev.Message,
		Read:           ev.Read,
		Conversation:   ev.Conversation,
	}
}

func errorFrame(ref string, err error) ServerFrame {
	return ServerFrame{
		Type:  FrameError,
		Ref:   ref,
		Code:  domain.Code(err),
		Error: err.Error(),
	}
}
