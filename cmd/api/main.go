package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/ollama-chat/backend/internal/config"
	"github.com/zhouzirui/ollama-chat/backend/internal/handler"
	"github.com/zhouzirui/ollama-chat/backend/internal/logger"
	"github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/service/inference"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ollama chat backend stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()
	logger.Init(os.Stdout)
	if envErr != nil {
		slog.Debug("no .env file loaded, using system environment only", "error", envErr)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sessions, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s session store: %w", cfg.Store.Backend, err)
	}
	slog.Info("session store ready", "backend", cfg.Store.Backend)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sessions.Close(closeCtx); err != nil {
			slog.Warn("failed to close session store", "error", err)
		}
	}()

	// Generator and Pinger stay untyped nil when inference is unavailable.
	var (
		generator chat.Generator
		provider  handler.Pinger
	)
	inferenceSvc, err := inference.NewService(ctx, cfg.Inference)
	if err != nil {
		slog.Warn("failed to initialize inference service, continuing without it", "provider", cfg.Inference.Provider, "error", err)
	} else {
		generator = inferenceSvc
		provider = inferenceSvc
		slog.Info("inference service initialized", "provider", cfg.Inference.Provider, "defaultModel", cfg.Inference.DefaultModel)
	}

	chatSvc := chat.NewService(sessions, generator, cfg.Store.ListLimit)
	router := handler.NewRouter(chatSvc, sessions, provider)

	return startServer(ctx, cfg.Server, router)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMongo:
		return store.NewMongoStore(ctx, store.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
	case config.StoreRedis:
		return store.OpenRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	case config.StoreSQLite:
		return store.OpenSQLiteStore(ctx, cfg.SQLitePath)
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Backend)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("ollama chat backend listening", "addr", addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
