package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"supportchat/internal/domain"
	"supportchat/internal/ws"
)

// APIError is a non-2xx answer from the HTTP API. It unwraps to the
// domain sentinel named by Code when there is one.
type APIError struct {
	Status  int
	Code    string
	Message string
	// Conversation is the authoritative state sent with a rejected
	// transition.
	Conversation *domain.Conversation
	sentinel     error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.sentinel }

type apiErrorBody struct {
	Error        string               `json:"error"`
	Code         string               `json:"code"`
	Conversation *domain.Conversation `json:"conversation"`
}

// Remote reaches a server over HTTP for commands and WebSocket for
// conversation streams.
type Remote struct {
	base   *url.URL
	token  string
	actor  domain.Actor
	http   *http.Client
	dialer *websocket.Dialer
}

var _ Transport = (*Remote)(nil)

// NewRemote targets the server at baseURL (e.g. http://localhost:8000)
// as the actor the token was issued for.
func NewRemote(baseURL, token string, actor domain.Actor) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	return &Remote{
		base:   u,
		token:  token,
		actor:  actor,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (r *Remote) Actor() domain.Actor { return r.actor }

func (r *Remote) endpoint(path string, q url.Values) string {
	u := *r.base
	u.Path = r.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *Remote) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint(path, q), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The write may or may not have landed; resubmitting with the
		// same id is safe.
		return fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body apiErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)
	e := &APIError{
		Status:       resp.StatusCode,
		Code:         body.Code,
		Message:      body.Error,
		Conversation: body.Conversation,
		sentinel:     domain.ErrorForCode(body.Code),
	}
	if e.sentinel == nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			e.sentinel = domain.ErrUnauthorized
		case resp.StatusCode >= 500 && body.Code == "":
			// No API body: a proxy or gateway failed in front of the server.
			e.sentinel = domain.ErrPersistenceUnavailable
		}
	}
	return e
}

func conversationPath(id string, parts ...string) string {
	p := "/api/conversations/" + url.PathEscape(id)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

func (r *Remote) Send(ctx context.Context, conversationID, id, content string) (*domain.Message, error) {
	var m domain.Message
	err := r.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil,
		map[string]string{"id": id, "content": content}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Remote) MarkRead(ctx context.Context, conversationID string) (*domain.ReadReceipt, error) {
	var receipt domain.ReadReceipt
	if err := r.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *Remote) Messages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	return r.MessagesLimit(ctx, conversationID, 0)
}

// MessagesLimit returns at most the newest limit messages; 0 means the
// server's page limit.
func (r *Remote) MessagesLimit(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []*domain.Message
	if err := r.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Remote) Message(ctx context.Context, id string) (*domain.Message, error) {
	var m domain.Message
	if err := r.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type CreateConversation struct {
	ClientID   string  `json:"client_id,omitempty"`
	Title      *string `json:"title,omitempty"`
	Category   *string `json:"category,omitempty"`
	ProjectRef *string `json:"project_ref,omitempty"`
}

func (r *Remote) CreateConversation(ctx context.Context, in CreateConversation) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.do(ctx, http.MethodPost, "/api/conversations", nil, in, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Remote) Conversations(ctx context.Context, projectRef, status string) ([]*domain.Conversation, error) {
	q := url.Values{}
	if projectRef != "" {
		q.Set("project_ref", projectRef)
	}
	if status != "" {
		q.Set("status", status)
	}
	var convs []*domain.Conversation
	if err := r.do(ctx, http.MethodGet, "/api/conversations", q, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *Remote) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.do(ctx, http.MethodGet, conversationPath(id), nil, nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Transition runs close, archive or reopen. On a rejected transition
// the returned error is an *APIError carrying the current conversation.
func (r *Remote) Transition(ctx context.Context, id, action string) (*domain.Conversation, error) {
	switch action {
	case "close", "archive", "reopen":
	default:
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidInput, action)
	}
	var c domain.Conversation
	if err := r.do(ctx, http.MethodPost, conversationPath(id, action), nil, nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Remote) Delete(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.do(ctx, http.MethodDelete, conversationPath(id), nil, nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Remote) Assign(ctx context.Context, id, staffID string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.do(ctx, http.MethodPost, conversationPath(id, "assign"), nil, map[string]string{"staff_id": staffID}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Remote) Unread(ctx context.Context, conversationID, projectRef string) (int, error) {
	q := url.Values{}
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	if projectRef != "" {
		q.Set("project_ref", projectRef)
	}
	var out struct {
		Unread int `json:"unread"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/unread", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

func (r *Remote) Rate(ctx context.Context, conversationID string, rating int, comments *string) (*domain.Rating, error) {
	var out domain.Rating
	in := map[string]any{"rating": rating}
	if comments != nil {
		in["comments"] = *comments
	}
	if err := r.do(ctx, http.MethodPost, conversationPath(conversationID, "rating"), nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe opens GET /ws for the conversation. Command frames are not
// used; commands travel over HTTP so they share error handling.
func (r *Remote) Subscribe(ctx context.Context, conversationID string) (Stream, error) {
	u := *r.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = r.base.Path + "/ws"
	u.RawQuery = url.Values{"conversation_id": {conversationID}}.Encode()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+r.token)
	conn, resp, err := r.dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, handshakeError(resp)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err)
	}

	s := &remoteStream{
		conn:   conn,
		events: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// handshakeError maps a refused upgrade. The WS handler answers with
// plain-text bodies, so only the status is meaningful.
func handshakeError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e.Message = strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		e.sentinel = domain.ErrConversationNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		e.sentinel = domain.ErrUnauthorized
	case http.StatusBadRequest:
		e.sentinel = domain.ErrInvalidInput
	default:
		if resp.StatusCode >= 500 {
			e.sentinel = domain.ErrPersistenceUnavailable
		}
	}
	return e
}

type remoteStream struct {
	conn   *websocket.Conn
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *remoteStream) Events() <-chan domain.Event { return s.events }

func (s *remoteStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *remoteStream) readLoop() {
	defer close(s.events)
	for {
		var f ws.ServerFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.conn.Close()
			return
		}
		switch domain.EventType(f.Type) {
		case domain.EventMessageCreated, domain.EventMessagesRead,
			domain.EventConversationUpdated, domain.EventRatingRequested:
		default:
			continue
		}
		ev := domain.Event{
			Type:           domain.EventType(f.Type),
			ConversationID: f.ConversationID,
			Message:        f.Message,
			Read:           f.Read,
			Conversation:   f.Conversation,
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
