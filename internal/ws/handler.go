package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
	"supportchat/internal/security"
	"supportchat/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	outboundBuffer = 16
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin allows non-browser clients (no Origin header) and
// browsers whose origin is listed. "*" allows every origin.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, allowAll := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || allowAll {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type HandlerConfig struct {
	Hub            *Hub
	Tokens         *security.TokenService
	Services       *service.Services
	Limiter        *security.LimiterPool
	AllowedOrigins []string
	Logger         *zap.Logger
}

// MakeHandler returns the handler for GET /ws?conversation_id=.
// It authenticates via Bearer token (Authorization header or
// Sec-WebSocket-Protocol), checks the actor may see the conversation,
// then streams that conversation's events and accepts commands:
//   - send      -> persist + ack (message_created reaches every view)
//   - mark_read -> mark the other party's messages read + ack
//   - ping      -> pong
func MakeHandler(cfg HandlerConfig) http.HandlerFunc {
	log := logger.OrNop(cfg.Logger).Named("ws")
	checkOrigin := makeCheckOrigin(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		actor, err := cfg.Tokens.ParseActor(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		convID := r.URL.Query().Get("conversation_id")
		if _, err := cfg.Services.Conversations.Get(r.Context(), actor, convID); err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}

		// Subscribe before the handshake completes so no event published
		// after the client's dial returns is missed.
		sub := cfg.Hub.Subscribe(convID)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			return
		}
		defer conn.Close()

		sess := &session{
			conn:   conn,
			actor:  actor,
			convID: convID,
			cfg:    cfg,
			out:    make(chan ServerFrame, outboundBuffer),
			done:   make(chan struct{}),
			closed: make(chan struct{}),
			log: log.With(
				zap.String("conversation_id", convID),
				zap.String("actor_role", string(actor.Role)),
			),
		}
		sess.run(context.WithoutCancel(r.Context()), sub)
	}
}

// session is one socket bound to one conversation subscription. Only
// the writer goroutine writes to conn.
type session struct {
	conn   *websocket.Conn
	actor  domain.Actor
	convID string
	cfg    HandlerConfig
	out    chan ServerFrame
	done   chan struct{} // reader finished
	closed chan struct{} // writer finished
	log    *zap.Logger
}

func (s *session) run(ctx context.Context, sub *Subscription) {
	s.log.Debug("subscribed")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(sub)
	}()

	s.readLoop(ctx)

	close(s.done)
	sub.Close()
	wg.Wait()
	s.log.Debug("unsubscribed")
}

func (s *session) writeLoop(sub *Subscription) {
	defer close(s.closed)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var frame ServerFrame
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			frame = eventFrame(ev)
		case frame = <-s.out:
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
			continue
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}

		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.log.Debug("write failed", zap.Error(err))
			// Unblocks the reader so the session tears down.
			s.conn.Close()
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case FrameSend:
			s.handleSend(ctx, frame)
		case FrameMarkRead:
			s.handleMarkRead(ctx, frame)
		case FramePing:
			s.reply(ServerFrame{Type: FramePong, Ref: frame.Ref})
		default:
			s.reply(errorFrame(frame.Ref, fmt.Errorf("%w: unknown frame type %q", domain.ErrInvalidInput, frame.Type)))
		}
	}
}

func (s *session) handleSend(ctx context.Context, frame ClientFrame) {
	ref := frame.Ref
	if ref == "" {
		ref = frame.ID
	}
	if !s.cfg.Limiter.Allow(s.actor.Identity) {
		s.reply(errorFrame(ref, domain.ErrRateLimited))
		return
	}
	msg, err := s.cfg.Services.Messages.Send(ctx, s.actor, service.SendInput{
		ConversationID: s.convID,
		ID:             frame.ID,
		Content:        frame.Content,
	})
	if err != nil {
		s.reply(errorFrame(ref, err))
		return
	}
	s.reply(ServerFrame{Type: FrameAck, ConversationID: s.convID, Ref: ref, Message: msg})
}

func (s *session) handleMarkRead(ctx context.Context, frame ClientFrame) {
	receipt, err := s.cfg.Services.Receipts.MarkRead(ctx, s.actor, s.convID)
	if err != nil {
		s.reply(errorFrame(frame.Ref, err))
		return
	}
	s.reply(ServerFrame{Type: FrameAck, ConversationID: s.convID, Ref: frame.Ref, Read: receipt})
}

func (s *session) reply(frame ServerFrame) {
	select {
	case s.out <- frame:
	case <-s.closed:
	}
}
