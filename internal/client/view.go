package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
)

// DeliveryState is the local state of a rendered message.
type DeliveryState int

const (
	// Pending messages were rendered optimistically and are not yet
	// confirmed durable.
	Pending DeliveryState = iota
	Sent
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Item is one entry of the visible list.
type Item struct {
	Message domain.Message
	State   DeliveryState
	// Err and Retryable are set for Failed items.
	Err       error
	Retryable bool
}

// Read reports whether the other party has read the message.
func (i Item) Read() bool { return i.Message.ReadAt != nil }

type ViewOption func(*View)

// WithAutoRead makes the view mark the other party's messages read
// while it is open.
func WithAutoRead(on bool) ViewOption {
	return func(v *View) { v.autoRead = on }
}

// WithOnChange registers a callback run after every state change. It
// is called without the view lock held.
func WithOnChange(fn func()) ViewOption {
	return func(v *View) { v.onChange = fn }
}

func WithLogger(l *zap.Logger) ViewOption {
	return func(v *View) { v.log = l }
}

// View is one open conversation: the visible message list, the set of
// already-rendered message ids and the subscription feeding both.
type View struct {
	transport      Transport
	actor          domain.Actor
	conversationID string
	autoRead       bool
	onChange       func()
	log            *zap.Logger

	mu              sync.Mutex
	items           []*Item
	rendered        map[string]*Item
	// readAt holds receipts for ids not rendered yet; a receipt may
	// arrive before its message_created event.
	readAt          map[string]time.Time
	conversation    *domain.Conversation
	ratingRequested bool
	closed          bool

	stream Stream
	done   chan struct{}
}

// Open subscribes to the conversation, loads its history and starts
// applying live events. Subscribing first means nothing published
// while history loads is lost; duplicates are discarded by id.
func Open(ctx context.Context, t Transport, conversationID string, opts ...ViewOption) (*View, error) {
	v := &View{
		transport:      t,
		actor:          t.Actor(),
		conversationID: conversationID,
		autoRead:       true,
		rendered:       make(map[string]*Item),
		readAt:         make(map[string]time.Time),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(v)
	}
	v.log = logger.OrNop(v.log).With(zap.String("conversation_id", conversationID))

	stream, err := t.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history, err := t.Messages(ctx, conversationID)
	if err != nil {
		stream.Close()
		return nil, err
	}
	v.stream = stream

	unread := false
	v.mu.Lock()
	for _, m := range history {
		v.appendLocked(*m, Sent)
		if m.SenderRole != v.actor.Role && m.ReadAt == nil {
			unread = true
		}
	}
	v.mu.Unlock()

	go v.loop()
	if unread && v.autoRead {
		v.markRead()
	}
	return v, nil
}

func (v *View) ConversationID() string { return v.conversationID }

// Close releases the subscription. Sends already issued keep running.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	err := v.stream.Close()
	<-v.done
	return err
}

// Done is closed once the view stops applying events, either after
// Close or because the stream ended.
func (v *View) Done() <-chan struct{} { return v.done }

// Items returns a snapshot of the visible list in display order.
func (v *View) Items() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	res := make([]Item, len(v.items))
	for i, it := range v.items {
		res[i] = *it
	}
	return res
}

// Item returns the rendered entry for a message id.
func (v *View) Item(id string) (Item, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.rendered[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Conversation is the latest conversation state seen on the stream,
// nil until the first status event.
func (v *View) Conversation() *domain.Conversation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conversation
}

// RatingRequested reports whether the client was invited to rate.
func (v *View) RatingRequested() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ratingRequested
}

func (v *View) loop() {
	defer close(v.done)
	for ev := range v.stream.Events() {
		v.apply(ev)
	}
}

func (v *View) apply(ev domain.Event) {
	markRead := false

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	switch ev.Type {
	case domain.EventMessageCreated:
		if ev.Message == nil {
			break
		}
		if _, ok := v.rendered[ev.Message.ID]; ok {
			// Echo of our own optimistic send, or already in history.
			v.mu.Unlock()
			return
		}
		v.appendLocked(*ev.Message, Sent)
		markRead = v.autoRead && ev.Message.SenderRole != v.actor.Role
	case domain.EventMessagesRead:
		if ev.Read == nil {
			break
		}
		at := ev.Read.ReadAt
		for _, id := range ev.Read.MessageIDs {
			it, ok := v.rendered[id]
			if !ok {
				if _, seen := v.readAt[id]; !seen {
					v.readAt[id] = at
				}
				continue
			}
			if it.Message.ReadAt == nil {
				it.Message.ReadAt = &at
			}
		}
	case domain.EventConversationUpdated:
		if ev.Conversation != nil {
			v.conversation = ev.Conversation
		}
	case domain.EventRatingRequested:
		v.ratingRequested = true
	}
	v.mu.Unlock()

	if markRead {
		v.markRead()
	}
	v.changed()
}

func (v *View) markRead() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := v.transport.MarkRead(ctx, v.conversationID); err != nil {
		v.log.Warn("auto mark read failed", zap.Error(err))
	}
}

func (v *View) changed() {
	if v.onChange != nil {
		v.onChange()
	}
}

func (v *View) appendLocked(m domain.Message, state DeliveryState) *Item {
	if at, ok := v.readAt[m.ID]; ok {
		delete(v.readAt, m.ID)
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	}
	it := &Item{Message: m, State: state}
	v.items = append(v.items, it)
	v.rendered[m.ID] = it
	return it
}

// addLocal renders an optimistic message. It reports false when the id
// is already rendered or the view is closed.
func (v *View) addLocal(m domain.Message) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	if _, ok := v.rendered[m.ID]; ok {
		v.mu.Unlock()
		return false
	}
	v.appendLocked(m, Pending)
	v.mu.Unlock()
	v.changed()
	return true
}

// setPending moves a failed item back to pending for a retry.
func (v *View) setPending(id string) (domain.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.rendered[id]
	if v.closed || !ok || it.State != Failed || !it.Retryable {
		return domain.Message{}, false
	}
	it.State = Pending
	it.Err = nil
	it.Retryable = false
	return it.Message, true
}

// reconcile applies the outcome of a durable write. It is a no-op once
// the view is closed. On success the item keeps its display position
// but takes the server's timestamp.
func (v *View) reconcile(id string, stored *domain.Message, err error, retryable bool) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	it, ok := v.rendered[id]
	if !ok {
		v.mu.Unlock()
		return
	}
	if err != nil {
		it.State = Failed
		it.Err = err
		it.Retryable = retryable
	} else {
		it.State = Sent
		it.Err = nil
		if stored != nil {
			readAt := it.Message.ReadAt
			it.Message = *stored
			if it.Message.ReadAt == nil {
				it.Message.ReadAt = readAt
			}
		}
	}
	v.mu.Unlock()
	v.changed()
}
