package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
	"supportchat/internal/security"
	"supportchat/internal/service"
	"supportchat/internal/store/sqlite"
	"supportchat/internal/ws"
)

var (
	alice = domain.Actor{Role: domain.RoleClient, Identity: "alice"}
	sam   = domain.Actor{Role: domain.RoleStaff, Identity: "sam"}
)

type core struct {
	svc *service.Services
	hub *ws.Hub
}

func newCore(t *testing.T) *core {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	enc, err := security.NewEncryptor([]byte("k"))
	require.NoError(t, err)
	hub := ws.NewHub(64, nil)
	svc := service.New(service.Stores{
		Conversations: sqlite.NewConversationRepo(db),
		Messages:      sqlite.NewMessageRepo(db),
		Ratings:       sqlite.NewRatingRepo(db),
	}, hub, service.Options{Encryptor: enc})
	return &core{svc: svc, hub: hub}
}

func (c *core) conversation(t *testing.T) *domain.Conversation {
	t.Helper()
	conv, err := c.svc.Conversations.Create(context.Background(), alice, service.ConversationCreateInput{})
	require.NoError(t, err)
	return conv
}

func openView(t *testing.T, tr Transport, convID string, opts ...ViewOption) *View {
	t.Helper()
	v, err := Open(context.Background(), tr, convID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// flakyTransport fails sends until ok is set.
type flakyTransport struct {
	*Local
	mu   sync.Mutex
	err  error
	ids  []string
	gate chan struct{}
}

func (f *flakyTransport) Send(ctx context.Context, conversationID, id, content string) (*domain.Message, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.ids = append(f.ids, id)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Local.Send(ctx, conversationID, id, content)
}

func (f *flakyTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestScenarioEndToEnd(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	conv := c.conversation(t)

	clientT := NewLocal(alice, c.svc, c.hub)
	staffT := NewLocal(sam, c.svc, c.hub)
	clientView := openView(t, clientT, conv.ID)
	staffView := openView(t, staffT, conv.ID, WithAutoRead(false))
	coord := NewCoordinator(clientT, nil)

	id := coord.Send(clientView, "Hello")
	it, ok := clientView.Item(id)
	require.True(t, ok, "optimistic message rendered immediately")
	assert.Equal(t, "Hello", it.Message.Content)
	coord.Wait()

	eventually(t, func() bool { return len(staffView.Items()) == 1 }, "staff receives the message")
	got := staffView.Items()[0]
	assert.Equal(t, id, got.Message.ID)
	assert.Equal(t, "Hello", got.Message.Content)
	assert.Nil(t, got.Message.ReadAt)

	it, _ = clientView.Item(id)
	assert.Equal(t, Sent, it.State)
	assert.Len(t, clientView.Items(), 1, "own echo is discarded")

	_, err := staffT.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	eventually(t, func() bool {
		it, _ := clientView.Item(id)
		return it.Read()
	}, "client sees the read receipt")

	_, err = c.svc.Conversations.Close(ctx, sam, conv.ID)
	require.NoError(t, err)
	eventually(t, func() bool {
		cv := clientView.Conversation()
		return cv != nil && cv.Status == domain.StatusClosed && clientView.RatingRequested()
	}, "client learns the conversation closed")

	late := coord.Send(clientView, "one more thing")
	coord.Wait()
	it, _ = clientView.Item(late)
	assert.Equal(t, Failed, it.State)
	assert.ErrorIs(t, it.Err, domain.ErrConversationNotActive)
	assert.False(t, it.Retryable)
	assert.ErrorIs(t, coord.Retry(clientView, late), ErrNotRetryable)

	_, err = c.svc.Ratings.Submit(ctx, alice, conv.ID, 5, nil)
	require.NoError(t, err)
	_, err = c.svc.Ratings.Submit(ctx, alice, conv.ID, 5, nil)
	assert.ErrorIs(t, err, domain.ErrRatingExists)
}

func TestAutoReadWhileOpen(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	conv := c.conversation(t)

	// Unread history is marked on open.
	_, err := c.svc.Messages.Send(ctx, alice, service.SendInput{ConversationID: conv.ID, ID: "h1", Content: "before"})
	require.NoError(t, err)
	staffView := openView(t, NewLocal(sam, c.svc, c.hub), conv.ID)
	eventually(t, func() bool {
		n, err := c.svc.Unread.Count(ctx, sam, service.UnreadInput{})
		return err == nil && n == 0
	}, "history marked read on open")

	_, err = c.svc.Messages.Send(ctx, alice, service.SendInput{ConversationID: conv.ID, ID: "l1", Content: "live"})
	require.NoError(t, err)
	eventually(t, func() bool {
		m, err := c.svc.Messages.Get(ctx, alice, "l1")
		return err == nil && m.ReadAt != nil
	}, "live message marked read")
	assert.Len(t, staffView.Items(), 2)

	// Own messages never trigger a read.
	_, err = c.svc.Messages.Send(ctx, sam, service.SendInput{ConversationID: conv.ID, ID: "s1", Content: "reply"})
	require.NoError(t, err)
	eventually(t, func() bool { return len(staffView.Items()) == 3 }, "own message rendered")
	m, err := c.svc.Messages.Get(ctx, sam, "s1")
	require.NoError(t, err)
	assert.Nil(t, m.ReadAt)

	t.Run("ClosedViewLeavesUnread", func(t *testing.T) {
		require.NoError(t, staffView.Close())
		_, err = c.svc.Messages.Send(ctx, alice, service.SendInput{ConversationID: conv.ID, ID: "l2", Content: "anyone?"})
		require.NoError(t, err)
		n, err := c.svc.Unread.Count(ctx, sam, service.UnreadInput{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestReadEventsAreIdempotent(t *testing.T) {
	c := newCore(t)
	conv := c.conversation(t)
	v := openView(t, NewLocal(alice, c.svc, c.hub), conv.ID)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	later := at.Add(time.Hour)
	v.apply(domain.Event{Type: domain.EventMessageCreated, Message: &domain.Message{ID: "m1", SenderRole: domain.RoleClient}})
	v.apply(domain.Event{Type: domain.EventMessagesRead, Read: &domain.ReadReceipt{MessageIDs: []string{"m1"}, ReadAt: at}})
	v.apply(domain.Event{Type: domain.EventMessagesRead, Read: &domain.ReadReceipt{MessageIDs: []string{"m1"}, ReadAt: later}})
	v.apply(domain.Event{Type: domain.EventMessageCreated, Message: &domain.Message{ID: "m1", SenderRole: domain.RoleClient}})

	items := v.Items()
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Message.ReadAt)
	assert.True(t, at.Equal(*items[0].Message.ReadAt))
}

func TestReadReceiptBeforeMessageCreated(t *testing.T) {
	c := newCore(t)
	conv := c.conversation(t)
	v := openView(t, NewLocal(alice, c.svc, c.hub), conv.ID, WithAutoRead(false))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	later := at.Add(time.Hour)
	v.apply(domain.Event{Type: domain.EventMessagesRead, Read: &domain.ReadReceipt{ReaderRole: domain.RoleStaff, MessageIDs: []string{"m1"}, ReadAt: at}})
	v.apply(domain.Event{Type: domain.EventMessagesRead, Read: &domain.ReadReceipt{ReaderRole: domain.RoleStaff, MessageIDs: []string{"m1"}, ReadAt: later}})
	v.apply(domain.Event{Type: domain.EventMessageCreated, Message: &domain.Message{ID: "m1", SenderRole: domain.RoleClient}})

	it, ok := v.Item("m1")
	require.True(t, ok)
	require.True(t, it.Read())
	assert.True(t, at.Equal(*it.Message.ReadAt))

	t.Run("OptimisticSend", func(t *testing.T) {
		v.apply(domain.Event{Type: domain.EventMessagesRead, Read: &domain.ReadReceipt{ReaderRole: domain.RoleStaff, MessageIDs: []string{"m2"}, ReadAt: at}})
		require.True(t, v.addLocal(domain.Message{ID: "m2", ConversationID: conv.ID, SenderRole: domain.RoleClient, Content: "hi"}))
		it, ok := v.Item("m2")
		require.True(t, ok)
		assert.True(t, it.Read())
		assert.Equal(t, Pending, it.State)

		v.reconcile("m2", &domain.Message{ID: "m2", ConversationID: conv.ID, SenderRole: domain.RoleClient, Content: "hi"}, nil, false)
		it, _ = v.Item("m2")
		assert.Equal(t, Sent, it.State)
		assert.True(t, it.Read())
	})
}

func TestRetryReusesID(t *testing.T) {
	c := newCore(t)
	conv := c.conversation(t)
	local := NewLocal(alice, c.svc, c.hub)
	flaky := &flakyTransport{Local: local, err: fmt.Errorf("%w: timeout", domain.ErrPersistenceUnavailable)}

	v := openView(t, flaky, conv.ID)
	coord := NewCoordinator(flaky, nil)

	id := coord.Send(v, "hello")
	coord.Wait()
	it, _ := v.Item(id)
	assert.Equal(t, Failed, it.State)
	assert.True(t, it.Retryable)
	assert.Len(t, v.Items(), 1, "failed message stays visible")

	flaky.setErr(nil)
	require.NoError(t, coord.Retry(v, id))
	coord.Wait()
	it, _ = v.Item(id)
	assert.Equal(t, Sent, it.State)
	assert.Equal(t, []string{id, id}, flaky.ids)

	msgs, err := c.svc.Messages.List(context.Background(), sam, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.ErrorIs(t, coord.Retry(v, id), ErrNotRetryable)
}

func TestSendCompletesAfterViewClosed(t *testing.T) {
	c := newCore(t)
	conv := c.conversation(t)
	flaky := &flakyTransport{Local: NewLocal(alice, c.svc, c.hub), gate: make(chan struct{})}

	v, err := Open(context.Background(), flaky, conv.ID)
	require.NoError(t, err)
	coord := NewCoordinator(flaky, nil)

	id := coord.Send(v, "sent while leaving")
	require.NoError(t, v.Close())
	close(flaky.gate)
	coord.Wait()

	m, err := c.svc.Messages.Get(context.Background(), alice, id)
	require.NoError(t, err)
	assert.Equal(t, "sent while leaving", m.Content)
	it, _ := v.Item(id)
	assert.Equal(t, Pending, it.State, "closed view is not reconciled")
	assert.Equal(t, 0, c.hub.SubscriberCount(conv.ID))
}

func TestOpenUnauthorized(t *testing.T) {
	c := newCore(t)
	conv := c.conversation(t)
	bob := domain.Actor{Role: domain.RoleClient, Identity: "bob"}
	_, err := Open(context.Background(), NewLocal(bob, c.svc, c.hub), conv.ID)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}
