package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
	"supportchat/internal/service"
)

type stubProjects map[string]bool

func (p stubProjects) ProjectExists(_ context.Context, ref string) (bool, error) {
	return p[ref], nil
}

func ptr[T any](v T) *T { return &v }

func TestCreateConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("ClientOpensForItself", func(t *testing.T) {
		env := newTestEnv(t)
		conv, err := env.svc.Conversations.Create(ctx, alice, service.ConversationCreateInput{
			Title:    ptr("  Billing  "),
			Category: ptr(""),
		})
		require.NoError(t, err)
		assert.Equal(t, "alice", conv.ClientID)
		assert.Equal(t, domain.StatusActive, conv.Status)
		assert.Nil(t, conv.StaffID)
		assert.Equal(t, "Billing", *conv.Title)
		assert.Nil(t, conv.Category)
	})

	t.Run("ClientCannotOpenForOthers", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Conversations.Create(ctx, alice, service.ConversationCreateInput{ClientID: "bob"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("StaffMustNameClient", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Conversations.Create(ctx, sam, service.ConversationCreateInput{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		conv, err := env.svc.Conversations.Create(ctx, sam, service.ConversationCreateInput{ClientID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "alice", conv.ClientID)
		require.NotNil(t, conv.StaffID)
		assert.Equal(t, "sam", *conv.StaffID)
	})

	t.Run("UnknownProjectRejected", func(t *testing.T) {
		env := newTestEnv(t)
		svc := service.NewConversationService(env.stores.Conversations, env.stores.Ratings, stubProjects{"p1": true}, nil, nil)

		_, err := svc.Create(ctx, alice, service.ConversationCreateInput{ProjectRef: ptr("p2")})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		conv, err := svc.Create(ctx, alice, service.ConversationCreateInput{ProjectRef: ptr("p1")})
		require.NoError(t, err)
		assert.Equal(t, "p1", *conv.ProjectRef)
	})
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("LegalPaths", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)

		closed, err := env.svc.Conversations.Close(ctx, sam, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, closed.Status)
		assert.NotNil(t, closed.ClosedAt)

		reopened, err := env.svc.Conversations.Reopen(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, reopened.Status)
		assert.Nil(t, reopened.ClosedAt)

		archived, err := env.svc.Conversations.Archive(ctx, sam, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusArchived, archived.Status)
		assert.NotNil(t, archived.ArchivedAt)

		reopened, err = env.svc.Conversations.Reopen(ctx, sam, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, reopened.Status)
		assert.Nil(t, reopened.ArchivedAt)
	})

	t.Run("IllegalReturnsCurrentStatus", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)
		_, err := env.svc.Conversations.Close(ctx, alice, conv.ID)
		require.NoError(t, err)

		cur, err := env.svc.Conversations.Archive(ctx, alice, conv.ID)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		var terr *domain.TransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, domain.StatusClosed, terr.Current)
		require.NotNil(t, cur)
		assert.Equal(t, domain.StatusClosed, cur.Status)

		_, err = env.svc.Conversations.Close(ctx, alice, conv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := env.svc.Conversations.Get(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, got.Status)
	})

	t.Run("ReopenActiveRejected", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)
		_, err := env.svc.Conversations.Reopen(ctx, alice, conv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("ConcurrentCloseHasOneWinner", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, lost int
		)
		for _, actor := range []domain.Actor{alice, sam, sue, alice, sam} {
			wg.Add(1)
			go func(a domain.Actor) {
				defer wg.Done()
				_, err := env.svc.Conversations.Close(ctx, a, conv.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, domain.ErrInvalidTransition):
					lost++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(actor)
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, 4, lost)
	})

	t.Run("PublishesStatusAndRatingInvitationOnce", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)
		sub := env.hub.Subscribe(conv.ID)
		defer sub.Close()

		_, err := env.svc.Conversations.Close(ctx, sam, conv.ID)
		require.NoError(t, err)
		ev := nextEvent(t, sub)
		assert.Equal(t, domain.EventConversationUpdated, ev.Type)
		assert.Equal(t, domain.StatusClosed, ev.Conversation.Status)
		assert.Equal(t, domain.EventRatingRequested, nextEvent(t, sub).Type)

		_, err = env.svc.Conversations.Reopen(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventConversationUpdated, nextEvent(t, sub).Type)

		_, err = env.svc.Conversations.Close(ctx, sam, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventConversationUpdated, nextEvent(t, sub).Type)
		requireNoEvent(t, sub)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Conversations.Close(ctx, sam, "missing")
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("IndependentPerParty", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)
		msg := env.send(t, alice, conv.ID, "hi")

		deleted, err := env.svc.Conversations.SoftDelete(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.NotNil(t, deleted.ClientDeletedAt)
		assert.Nil(t, deleted.AdminDeletedAt)
		assert.Equal(t, domain.StatusActive, deleted.Status)

		mine, err := env.svc.Conversations.List(ctx, alice, service.ConversationListInput{})
		require.NoError(t, err)
		assert.Empty(t, mine)

		staff, err := env.svc.Conversations.List(ctx, sam, service.ConversationListInput{})
		require.NoError(t, err)
		require.Len(t, staff, 1)
		assert.Equal(t, conv.ID, staff[0].ID)

		_, err = env.svc.Conversations.SoftDelete(ctx, sam, conv.ID)
		require.NoError(t, err)
		staff, err = env.svc.Conversations.List(ctx, sam, service.ConversationListInput{})
		require.NoError(t, err)
		assert.Empty(t, staff)

		got, err := env.svc.Messages.Get(ctx, alice, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Content)
	})

	t.Run("Idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)
		sub := env.hub.Subscribe(conv.ID)
		defer sub.Close()

		first, err := env.svc.Conversations.SoftDelete(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventConversationUpdated, nextEvent(t, sub).Type)

		second, err := env.svc.Conversations.SoftDelete(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.True(t, first.ClientDeletedAt.Equal(*second.ClientDeletedAt))
		requireNoEvent(t, sub)
	})

	t.Run("DoesNotBlockLifecycle", func(t *testing.T) {
		env := newTestEnv(t)
		conv := env.open(t, alice)
		_, err := env.svc.Conversations.SoftDelete(ctx, sam, conv.ID)
		require.NoError(t, err)

		closed, err := env.svc.Conversations.Close(ctx, alice, conv.ID)
		require.NoError(t, err)
		assert.NotNil(t, closed.AdminDeletedAt)
	})
}

func TestListConversations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a1 := env.open(t, alice)
	a2 := env.open(t, alice)
	b1 := env.open(t, bob)
	env.send(t, alice, a1.ID, "bump")

	mine, err := env.svc.Conversations.List(ctx, alice, service.ConversationListInput{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, a1.ID, mine[0].ID, "most recently updated first")
	assert.Equal(t, a2.ID, mine[1].ID)

	all, err := env.svc.Conversations.List(ctx, sam, service.ConversationListInput{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = env.svc.Conversations.Close(ctx, sam, b1.ID)
	require.NoError(t, err)
	closed := domain.StatusClosed
	onlyClosed, err := env.svc.Conversations.List(ctx, sam, service.ConversationListInput{Status: &closed})
	require.NoError(t, err)
	require.Len(t, onlyClosed, 1)
	assert.Equal(t, b1.ID, onlyClosed[0].ID)

	bad := domain.Status("gone")
	_, err = env.svc.Conversations.List(ctx, sam, service.ConversationListInput{Status: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConversationAuthorization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conv := env.open(t, alice)

	_, err := env.svc.Conversations.Get(ctx, bob, conv.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.svc.Conversations.Close(ctx, bob, conv.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.svc.Conversations.SoftDelete(ctx, bob, conv.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.svc.Conversations.Get(ctx, domain.Actor{Role: "guest", Identity: "x"}, conv.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := env.svc.Conversations.Get(ctx, sue, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestAssign(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conv := env.open(t, alice)

	_, err := env.svc.Conversations.Assign(ctx, alice, conv.ID, "sam")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := env.svc.Conversations.Assign(ctx, sam, conv.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "sam", *got.StaffID)

	got, err = env.svc.Conversations.Assign(ctx, sam, conv.ID, "sue")
	require.NoError(t, err)
	assert.Equal(t, "sue", *got.StaffID)
}
