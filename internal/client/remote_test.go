package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/config"
	"supportchat/internal/domain"
	"supportchat/internal/httpserver"
	"supportchat/internal/security"
)

type remoteFixture struct {
	*core
	srv    *httptest.Server
	tokens *security.TokenService
}

func newRemoteFixture(t *testing.T) *remoteFixture {
	t.Helper()
	c := newCore(t)
	tokens := security.NewTokenService("secret", time.Hour)
	srv := httptest.NewServer(httpserver.NewRouter(httpserver.Deps{
		Config:   &config.Config{AppName: "supportchat"},
		Services: c.svc,
		Hub:      c.hub,
		Tokens:   tokens,
	}))
	t.Cleanup(srv.Close)
	return &remoteFixture{core: c, srv: srv, tokens: tokens}
}

func (f *remoteFixture) remote(t *testing.T, actor domain.Actor) *Remote {
	t.Helper()
	token, err := f.tokens.CreateForActor(actor)
	require.NoError(t, err)
	r, err := NewRemote(f.srv.URL, token, actor)
	require.NoError(t, err)
	return r
}

func TestRemoteScenario(t *testing.T) {
	ctx := context.Background()
	f := newRemoteFixture(t)
	client := f.remote(t, alice)
	staff := f.remote(t, sam)

	conv, err := client.CreateConversation(ctx, CreateConversation{})
	require.NoError(t, err)

	staffView := openView(t, staff, conv.ID, WithAutoRead(false))
	clientView := openView(t, client, conv.ID)
	coord := NewCoordinator(client, nil)

	id := coord.Send(clientView, "Hello")
	coord.Wait()
	eventually(t, func() bool { return len(staffView.Items()) == 1 }, "staff receives message over websocket")
	assert.Equal(t, "Hello", staffView.Items()[0].Message.Content)

	n, err := staff.Unread(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = staff.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	eventually(t, func() bool {
		it, _ := clientView.Item(id)
		return it.Read()
	}, "client receives read receipt")

	_, err = staff.Transition(ctx, conv.ID, "close")
	require.NoError(t, err)

	_, err = client.Send(ctx, conv.ID, "late", "hello?")
	assert.ErrorIs(t, err, domain.ErrConversationNotActive)

	cur, err := client.Transition(ctx, conv.ID, "archive")
	require.Error(t, err)
	assert.Nil(t, cur)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.Conversation)
	assert.Equal(t, domain.StatusClosed, apiErr.Conversation.Status)

	_, err = client.Rate(ctx, conv.ID, 5, nil)
	require.NoError(t, err)
	_, err = client.Rate(ctx, conv.ID, 5, nil)
	assert.ErrorIs(t, err, domain.ErrRatingExists)
}

func TestRemoteErrors(t *testing.T) {
	ctx := context.Background()
	f := newRemoteFixture(t)
	client := f.remote(t, alice)

	_, err := client.Conversation(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	_, err = client.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	bad, err := NewRemote(f.srv.URL, "not-a-token", alice)
	require.NoError(t, err)
	_, err = bad.Conversations(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = NewRemote("::bad", "t", alice)
	assert.Error(t, err)
}

func cannedRemote(t *testing.T, status int, body string) *Remote {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body != "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	r, err := NewRemote(srv.URL, "t", alice)
	require.NoError(t, err)
	return r
}

func TestRemoteServerErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("InternalIsTerminal", func(t *testing.T) {
		r := cannedRemote(t, http.StatusInternalServerError, `{"error":"internal error","code":"internal"}`)
		_, err := r.Send(ctx, "c", "m", "hi")
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrPersistenceUnavailable)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, domain.CodeInternal, apiErr.Code)
	})

	t.Run("PersistenceUnavailableIsRetryable", func(t *testing.T) {
		r := cannedRemote(t, http.StatusServiceUnavailable, `{"error":"persistence unavailable","code":"persistence_unavailable"}`)
		_, err := r.Send(ctx, "c", "m", "hi")
		assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	})

	t.Run("GatewayWithoutBodyIsRetryable", func(t *testing.T) {
		r := cannedRemote(t, http.StatusBadGateway, "")
		_, err := r.Send(ctx, "c", "m", "hi")
		assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	})
}

func TestRemoteUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r, err := NewRemote(url, "t", alice)
	require.NoError(t, err)
	_, err = r.Send(context.Background(), "c", "m", "hi")
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
}
