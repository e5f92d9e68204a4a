package httpserver

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/security"
)

type contextKey string

const actorContextKey contextKey = "actor"

// WithActor returns a new context carrying the authenticated actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// CurrentActor extracts the actor from the request context.
func CurrentActor(r *http.Request) (domain.Actor, bool) {
	actor, ok := r.Context().Value(actorContextKey).(domain.Actor)
	return actor, ok
}

// AuthMiddleware validates the Bearer token issued by the identity
// provider and attaches the actor to the context.
func AuthMiddleware(tokens *security.TokenService, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid Authorization header", Code: "unauthenticated"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			actor, err := tokens.ParseActor(tokenStr)
			if err != nil {
				log.Debug("token rejected", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token", Code: "unauthenticated"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RateLimit throttles a route per actor identity.
func RateLimit(limiter *security.LimiterPool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := CurrentActor(r)
			if !limiter.Allow(actor.Identity) {
				w.Header().Set("Retry-After", "1")
				writeError(w, domain.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
