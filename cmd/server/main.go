package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"supportchat/internal/config"
	"supportchat/internal/httpserver"
	"supportchat/internal/logger"
	"supportchat/internal/security"
	"supportchat/internal/service"
	"supportchat/internal/store/postgres"
	"supportchat/internal/store/sqlite"
	"supportchat/internal/ws"
)

// @title           Support Chat API
// @version         1.0
// @description     Client/staff support conversations with realtime delivery over /ws.

// @host            localhost:8000
// @BasePath        /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, stores, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database ready", zap.String("driver", cfg.DBDriver))

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey))
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}
	limiter := security.NewLimiterPool(cfg.SendRatePerSecond, cfg.SendBurst)
	defer limiter.Shutdown()

	hub := ws.NewHub(cfg.EventBuffer, log.Named("hub"))
	services := service.New(stores, hub, service.Options{
		Encryptor:       encryptor,
		MaxContentBytes: cfg.MaxContentBytes,
		PageLimit:       cfg.MessagePageLimit,
		UnreadCacheTTL:  cfg.UnreadCacheTTL,
		Logger:          log,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		Config:   cfg,
		Services: services,
		Hub:      hub,
		Tokens:   tokenSvc,
		Limiter:  limiter,
		Logger:   log,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr()), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// openStore opens and migrates the configured backend.
func openStore(cfg *config.Config) (*sqlx.DB, service.Stores, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, service.Stores{}, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, service.Stores{}, fmt.Errorf("run migrations: %w", err)
		}
		return db, service.Stores{
			Conversations: sqlite.NewConversationRepo(db),
			Messages:      sqlite.NewMessageRepo(db),
			Ratings:       sqlite.NewRatingRepo(db),
		}, nil
	default:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, service.Stores{}, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, service.Stores{}, fmt.Errorf("run migrations: %w", err)
		}
		return db, service.Stores{
			Conversations: postgres.NewConversationRepo(db),
			Messages:      postgres.NewMessageRepo(db),
			Ratings:       postgres.NewRatingRepo(db),
		}, nil
	}
}
