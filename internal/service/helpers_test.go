package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
	"supportchat/internal/security"
	"supportchat/internal/service"
	"supportchat/internal/store/sqlite"
	"supportchat/internal/ws"
)

var (
	alice = domain.Actor{Role: domain.RoleClient, Identity: "alice"}
	bob   = domain.Actor{Role: domain.RoleClient, Identity: "bob"}
	sam   = domain.Actor{Role: domain.RoleStaff, Identity: "sam"}
	sue   = domain.Actor{Role: domain.RoleStaff, Identity: "sue"}
)

type testEnv struct {
	svc    *service.Services
	hub    *ws.Hub
	stores service.Stores
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(*service.Options) {})
}

func newTestEnvWith(t *testing.T, configure func(*service.Options)) *testEnv {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	enc, err := security.NewEncryptor([]byte("test-key"))
	require.NoError(t, err)

	st := service.Stores{
		Conversations: sqlite.NewConversationRepo(db),
		Messages:      sqlite.NewMessageRepo(db),
		Ratings:       sqlite.NewRatingRepo(db),
	}
	hub := ws.NewHub(32, nil)
	opts := service.Options{
		Encryptor:       enc,
		MaxContentBytes: 64,
		PageLimit:       100,
		UnreadCacheTTL:  time.Hour,
		Clock:           tickingClock(),
	}
	configure(&opts)
	svc := service.New(st, hub, opts)
	return &testEnv{svc: svc, hub: hub, stores: st}
}

// tickingClock advances one millisecond per reading so orderings that
// depend on time are deterministic.
func tickingClock() service.Clock {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func (e *testEnv) open(t *testing.T, client domain.Actor) *domain.Conversation {
	t.Helper()
	conv, err := e.svc.Conversations.Create(context.Background(), client, service.ConversationCreateInput{})
	require.NoError(t, err)
	return conv
}

func (e *testEnv) send(t *testing.T, actor domain.Actor, convID, content string) *domain.Message {
	t.Helper()
	msg, err := e.svc.Messages.Send(context.Background(), actor, service.SendInput{
		ConversationID: convID,
		ID:             uuid.NewString(),
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func nextEvent(t *testing.T, sub *ws.Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func requireNoEvent(t *testing.T, sub *ws.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected %s event", ev.Type)
	default:
	}
}
