package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
)

func recv(t *testing.T, s *Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestHubScopesByConversation(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Subscribe("a")
	b := h.Subscribe("b")
	defer a.Close()
	defer b.Close()

	h.Publish(domain.Event{Type: domain.EventMessageCreated, ConversationID: "a"})

	ev := recv(t, a)
	assert.Equal(t, "a", ev.ConversationID)
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event on b: %+v", ev)
	default:
	}
}

func TestHubCloseReleasesSubscription(t *testing.T) {
	h := NewHub(4, nil)
	s := h.Subscribe("a")
	assert.Equal(t, 1, h.SubscriberCount("a"))

	s.Close()
	s.Close()
	assert.Equal(t, 0, h.SubscriberCount("a"))

	_, ok := <-s.Events()
	assert.False(t, ok)

	// Publishing after close must not panic.
	h.Publish(domain.Event{Type: domain.EventMessagesRead, ConversationID: "a"})
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(1, nil)
	s := h.Subscribe("a")
	defer s.Close()

	h.Publish(domain.Event{Type: domain.EventMessageCreated, ConversationID: "a"})
	h.Publish(domain.Event{Type: domain.EventMessageCreated, ConversationID: "a"})

	recv(t, s)
	select {
	case <-s.Events():
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestHubListenersSeeEverything(t *testing.T) {
	h := NewHub(1, nil)
	var (
		mu   sync.Mutex
		seen []string
	)
	h.OnPublish(func(ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.ConversationID)
	})

	h.Publish(domain.Event{Type: domain.EventMessageCreated, ConversationID: "x"})
	h.Publish(domain.Event{Type: domain.EventMessagesRead, ConversationID: "y"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"x", "y"}, seen)
}

func TestHubConcurrentPublishAndClose(t *testing.T) {
	h := NewHub(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		s := h.Subscribe("c")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(domain.Event{Type: domain.EventMessageCreated, ConversationID: "c"})
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.SubscriberCount("c"))
}
