package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
	"supportchat/internal/service"
)

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conv := env.open(t, alice)
	c1 := env.send(t, alice, conv.ID, "one")
	c2 := env.send(t, alice, conv.ID, "two")
	s1 := env.send(t, sam, conv.ID, "reply")

	sub := env.hub.Subscribe(conv.ID)
	defer sub.Close()

	receipt, err := env.svc.Receipts.MarkRead(ctx, sam, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, receipt.MessageIDs)

	ev := nextEvent(t, sub)
	assert.Equal(t, domain.EventMessagesRead, ev.Type)
	assert.Equal(t, domain.RoleStaff, ev.Read.ReaderRole)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, ev.Read.MessageIDs)

	t.Run("RepeatIsNoop", func(t *testing.T) {
		receipt, err := env.svc.Receipts.MarkRead(ctx, sam, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, receipt.MessageIDs)
		requireNoEvent(t, sub)
	})

	t.Run("ReadAtNeverChanges", func(t *testing.T) {
		before, err := env.svc.Messages.Get(ctx, alice, c1.ID)
		require.NoError(t, err)
		require.NotNil(t, before.ReadAt)

		_, err = env.svc.Receipts.MarkRead(ctx, sam, conv.ID)
		require.NoError(t, err)
		after, err := env.svc.Messages.Get(ctx, alice, c1.ID)
		require.NoError(t, err)
		require.NotNil(t, after.ReadAt)
		assert.True(t, before.ReadAt.Equal(*after.ReadAt))
	})

	t.Run("OwnMessagesUntouched", func(t *testing.T) {
		got, err := env.svc.Messages.Get(ctx, sam, s1.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ReadAt)
	})

	t.Run("AllowedOnClosedConversation", func(t *testing.T) {
		_, err := env.svc.Conversations.Close(ctx, sam, conv.ID)
		require.NoError(t, err)
		receipt, err := env.svc.Receipts.MarkRead(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{s1.ID}, receipt.MessageIDs)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		_, err := env.svc.Receipts.MarkRead(ctx, bob, conv.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}

func TestUnreadCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	const staffMsgs, clientMsgs = 3, 4
	conv := env.open(t, alice)
	for i := 0; i < staffMsgs; i++ {
		env.send(t, sam, conv.ID, "staff")
	}
	for i := 0; i < clientMsgs; i++ {
		env.send(t, alice, conv.ID, "client")
	}
	other := env.open(t, bob)
	env.send(t, bob, other.ID, "bob here")

	count := func(actor domain.Actor, in service.UnreadInput) int {
		t.Helper()
		n, err := env.svc.Unread.Count(ctx, actor, in)
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, staffMsgs, count(alice, service.UnreadInput{}))
	assert.Equal(t, 0, count(bob, service.UnreadInput{}))
	assert.Equal(t, clientMsgs+1, count(sam, service.UnreadInput{}))
	assert.Equal(t, clientMsgs, count(sam, service.UnreadInput{ConversationID: &conv.ID}))

	_, err := env.svc.Unread.Count(ctx, bob, service.UnreadInput{ConversationID: &conv.ID})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	t.Run("ReadClearsOnlyReadersCount", func(t *testing.T) {
		_, err := env.svc.Receipts.MarkRead(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count(alice, service.UnreadInput{}))
		assert.Equal(t, clientMsgs+1, count(sam, service.UnreadInput{}))
	})

	t.Run("NewMessageInvalidatesCache", func(t *testing.T) {
		assert.Equal(t, 0, count(alice, service.UnreadInput{}))
		env.send(t, sue, conv.ID, "another")
		assert.Equal(t, 1, count(alice, service.UnreadInput{}))
	})

	t.Run("SoftDeleteHidesFromOwnerOnly", func(t *testing.T) {
		_, err := env.svc.Conversations.SoftDelete(ctx, sam, other.ID)
		require.NoError(t, err)
		assert.Equal(t, clientMsgs, count(sam, service.UnreadInput{}))
		assert.Equal(t, 1, count(alice, service.UnreadInput{}))
	})
}

// appendElsewhere persists a message without publishing, the way a
// write from another server process looks to this one.
func appendElsewhere(t *testing.T, env *testEnv, convID string, from domain.Actor, at time.Time) {
	t.Helper()
	_, created, err := env.stores.Messages.Append(context.Background(), &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderRole:     from.Role,
		SenderIdentity: from.Identity,
		Content:        "elsewhere",
		CreatedAt:      at,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestUnreadCacheExpires(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	env := newTestEnvWith(t, func(o *service.Options) {
		o.UnreadCacheTTL = 5 * time.Second
		o.Clock = func() time.Time { return base.Add(time.Duration(now.Load())) }
	})
	conv := env.open(t, alice)
	env.send(t, sam, conv.ID, "hello")

	n, err := env.svc.Unread.Count(ctx, alice, service.UnreadInput{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	appendElsewhere(t, env, conv.ID, sam, base.Add(time.Second))

	n, err = env.svc.Unread.Count(ctx, alice, service.UnreadInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "served from memory within the TTL")

	now.Store(int64(6 * time.Second))
	n, err = env.svc.Unread.Count(ctx, alice, service.UnreadInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnreadWithoutCacheSeesEveryWrite(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvWith(t, func(o *service.Options) { o.UnreadCacheTTL = 0 })
	conv := env.open(t, alice)
	env.send(t, sam, conv.ID, "hello")

	n, err := env.svc.Unread.Count(ctx, alice, service.UnreadInput{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	appendElsewhere(t, env, conv.ID, sam, time.Now().UTC())

	n, err = env.svc.Unread.Count(ctx, alice, service.UnreadInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnreadProjectFilter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inProject, err := env.svc.Conversations.Create(ctx, alice, service.ConversationCreateInput{ProjectRef: ptr("p1")})
	require.NoError(t, err)
	plain := env.open(t, alice)
	env.send(t, alice, inProject.ID, "p")
	env.send(t, alice, plain.ID, "q")

	n, err := env.svc.Unread.Count(ctx, sam, service.UnreadInput{ProjectRef: ptr("p1")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRatings(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conv := env.open(t, alice)

	_, err := env.svc.Ratings.Submit(ctx, alice, conv.ID, 5, nil)
	assert.ErrorIs(t, err, domain.ErrConversationNotClosed)

	_, err = env.svc.Conversations.Close(ctx, sam, conv.ID)
	require.NoError(t, err)

	_, err = env.svc.Ratings.Submit(ctx, sam, conv.ID, 5, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.svc.Ratings.Submit(ctx, bob, conv.ID, 5, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.svc.Ratings.Submit(ctx, alice, conv.ID, 6, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	r, err := env.svc.Ratings.Submit(ctx, alice, conv.ID, 4, ptr("quick and helpful"))
	require.NoError(t, err)
	assert.Equal(t, 4, r.Rating)

	_, err = env.svc.Ratings.Submit(ctx, alice, conv.ID, 1, nil)
	assert.ErrorIs(t, err, domain.ErrRatingExists)

	got, err := env.svc.Ratings.Get(ctx, sam, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Rating)
	assert.Equal(t, "quick and helpful", *got.Comments)

	t.Run("NoInvitationOnceRated", func(t *testing.T) {
		_, err := env.svc.Conversations.Reopen(ctx, alice, conv.ID)
		require.NoError(t, err)
		sub := env.hub.Subscribe(conv.ID)
		defer sub.Close()
		_, err = env.svc.Conversations.Close(ctx, sam, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventConversationUpdated, nextEvent(t, sub).Type)
		requireNoEvent(t, sub)
	})
}

// Client opens a conversation, staff reads and closes it, client rates.
func TestSupportScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conv := env.open(t, alice)

	staffView := env.hub.Subscribe(conv.ID)
	defer staffView.Close()
	clientView := env.hub.Subscribe(conv.ID)
	defer clientView.Close()

	hello := env.send(t, alice, conv.ID, "Hello")
	ev := nextEvent(t, staffView)
	assert.Equal(t, domain.EventMessageCreated, ev.Type)
	assert.Equal(t, "Hello", ev.Message.Content)
	assert.Nil(t, ev.Message.ReadAt)
	requireNoEvent(t, staffView)
	nextEvent(t, clientView)

	_, err := env.svc.Receipts.MarkRead(ctx, sam, conv.ID)
	require.NoError(t, err)
	ev = nextEvent(t, clientView)
	assert.Equal(t, domain.EventMessagesRead, ev.Type)
	assert.Contains(t, ev.Read.MessageIDs, hello.ID)

	_, err = env.svc.Conversations.Close(ctx, sam, conv.ID)
	require.NoError(t, err)

	_, err = env.svc.Messages.Send(ctx, alice, service.SendInput{ConversationID: conv.ID, ID: "late", Content: "wait"})
	assert.ErrorIs(t, err, domain.ErrConversationNotActive)

	_, err = env.svc.Ratings.Submit(ctx, alice, conv.ID, 5, nil)
	require.NoError(t, err)
	_, err = env.svc.Ratings.Submit(ctx, alice, conv.ID, 5, nil)
	assert.ErrorIs(t, err, domain.ErrRatingExists)
}
