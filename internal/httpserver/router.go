package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"supportchat/internal/config"
	"supportchat/internal/logger"
	"supportchat/internal/metrics"
	"supportchat/internal/security"
	"supportchat/internal/service"
	"supportchat/internal/ws"

	_ "supportchat/docs"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Config   *config.Config
	Services *service.Services
	Hub      *ws.Hub
	Tokens   *security.TokenService
	Limiter  *security.LimiterPool
	Logger   *zap.Logger
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	log := logger.OrNop(d.Logger)
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(log.Named("http")))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": d.Config.AppName + " API",
			"docs":    "/docs/index.html",
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", metrics.Handler())

	// Swagger documentation
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	svc := d.Services
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(d.Tokens, log))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handleCreateConversation(svc.Conversations))
			r.Get("/", handleListConversations(svc.Conversations))

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", handleGetConversation(svc.Conversations))
				r.Delete("/", handleDeleteConversation(svc.Conversations))
				r.Post("/close", handleTransition(svc.Conversations.Close))
				r.Post("/archive", handleTransition(svc.Conversations.Archive))
				r.Post("/reopen", handleTransition(svc.Conversations.Reopen))
				r.Post("/assign", handleAssign(svc.Conversations))
				r.Post("/read", handleMarkConversationRead(svc.Receipts))

				r.Get("/messages", handleListMessages(svc.Messages))
				r.With(RateLimit(d.Limiter)).Post("/messages", handleCreateMessage(svc.Messages))

				r.Get("/rating", handleGetRating(svc.Ratings))
				r.Post("/rating", handleSubmitRating(svc.Ratings))
			})
		})

		r.Get("/messages/{messageID}", handleGetMessage(svc.Messages))
		r.Get("/unread", handleUnread(svc.Unread))
	})

	// WebSocket endpoint; the socket outlives any request timeout.
	r.Get("/ws", ws.MakeHandler(ws.HandlerConfig{
		Hub:            d.Hub,
		Tokens:         d.Tokens,
		Services:       svc,
		Limiter:        d.Limiter,
		AllowedOrigins: d.Config.CORSOrigins,
		Logger:         log,
	}))

	return r
}
