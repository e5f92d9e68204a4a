package ws

import (
	"sync"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
	"supportchat/internal/metrics"
)

// Hub is the in-memory realtime event bus. Subscriptions are scoped to
// one conversation; listeners see every event (used for cache
// invalidation). Nothing here is durable: a full subscriber buffer
// drops the event and the subscriber recovers by re-reading the store.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	listeners []func(domain.Event)
	buffer    int
	log       *zap.Logger
}

var _ domain.Publisher = (*Hub)(nil)

func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    logger.OrNop(log),
	}
}

// Subscription is one open conversation view's event stream.
type Subscription struct {
	ConversationID string

	hub    *Hub
	events chan domain.Event
	once   sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Subscribe opens a stream of events for one conversation.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	s := &Subscription{
		ConversationID: conversationID,
		hub:            h,
		events:         make(chan domain.Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*Subscription]struct{})
	}
	h.subs[conversationID][s] = struct{}{}
	metrics.Subscriptions.Inc()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[s.ConversationID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.subs, s.ConversationID)
		}
	}
	// Publish sends under the read lock, so closing here cannot race a send.
	close(s.events)
	metrics.Subscriptions.Dec()
}

// OnPublish registers a callback invoked synchronously for every event.
func (h *Hub) OnPublish(fn func(domain.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Publish delivers ev to every subscriber of its conversation without
// blocking.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	for _, fn := range h.listeners {
		fn(ev)
	}
	for s := range h.subs[ev.ConversationID] {
		select {
		case s.events <- ev:
		default:
			metrics.EventsDropped.Inc()
			h.log.Warn("dropping event for slow subscriber",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// SubscriberCount returns the number of open subscriptions for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
