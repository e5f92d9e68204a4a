package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"supportchat/internal/domain"
	"supportchat/internal/metrics"
)

type UnreadInput struct {
	ConversationID *string
	ProjectRef     *string
}

// UnreadCounter answers unread counts straight from persisted state.
// With a positive TTL results are memoized until the next local event
// or until they expire, whichever comes first. The TTL bounds drift
// from writes made by other server processes, which never reach this
// process's hub. A zero TTL queries the store on every call.
type UnreadCounter struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	ttl           time.Duration
	now           Clock

	mu    sync.Mutex
	gen   uint64
	cache map[string]cachedCount
}

type cachedCount struct {
	n       int
	expires time.Time
}

func NewUnreadCounter(conversations domain.ConversationRepository, messages domain.MessageRepository, ttl time.Duration) *UnreadCounter {
	return &UnreadCounter{
		conversations: conversations,
		messages:      messages,
		ttl:           ttl,
		now:           SystemClock,
		cache:         make(map[string]cachedCount),
	}
}

func (u *UnreadCounter) Count(ctx context.Context, actor domain.Actor, in UnreadInput) (int, error) {
	if err := checkActor(actor); err != nil {
		return 0, err
	}
	if in.ConversationID != nil {
		if _, err := loadAuthorized(ctx, u.conversations, actor, *in.ConversationID); err != nil {
			return 0, err
		}
	}
	f := domain.UnreadFilter{
		Role:           actor.Role,
		Identity:       actor.Identity,
		ConversationID: in.ConversationID,
		ProjectRef:     in.ProjectRef,
	}
	if u.ttl <= 0 {
		n, err := u.messages.CountUnread(ctx, f)
		if err != nil {
			return 0, storeErr(err)
		}
		return n, nil
	}
	key := cacheKey(f)

	u.mu.Lock()
	if c, ok := u.cache[key]; ok && u.now().Before(c.expires) {
		u.mu.Unlock()
		metrics.UnreadCacheHits.WithLabelValues("hit").Inc()
		return c.n, nil
	}
	gen := u.gen
	u.mu.Unlock()
	metrics.UnreadCacheHits.WithLabelValues("miss").Inc()

	n, err := u.messages.CountUnread(ctx, f)
	if err != nil {
		return 0, storeErr(err)
	}

	u.mu.Lock()
	// An event between the query and here may have made n stale.
	if u.gen == gen {
		u.cache[key] = cachedCount{n: n, expires: u.now().Add(u.ttl)}
	}
	u.mu.Unlock()
	return n, nil
}

// Invalidate drops every memoized count. Any event can change some
// party's count, so it does not look at the event.
func (u *UnreadCounter) Invalidate(domain.Event) {
	u.mu.Lock()
	u.gen++
	clear(u.cache)
	u.mu.Unlock()
}

func cacheKey(f domain.UnreadFilter) string {
	var b strings.Builder
	b.WriteString(string(f.Role))
	b.WriteByte('|')
	if f.Role == domain.RoleClient {
		b.WriteString(f.Identity)
	}
	b.WriteByte('|')
	if f.ConversationID != nil {
		b.WriteString(*f.ConversationID)
	}
	b.WriteByte('|')
	if f.ProjectRef != nil {
		b.WriteString("p:")
		b.WriteString(*f.ProjectRef)
	}
	return b.String()
}
