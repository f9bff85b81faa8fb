package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/api"
	"github.com/terra-clan/mainframe-engine/internal/cleanup"
	"github.com/terra-clan/mainframe-engine/internal/config"
	"github.com/terra-clan/mainframe-engine/internal/content"
	"github.com/terra-clan/mainframe-engine/internal/notify"
	"github.com/terra-clan/mainframe-engine/internal/session"
	"github.com/terra-clan/mainframe-engine/internal/snapshot"
	"github.com/terra-clan/mainframe-engine/internal/storage"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting mainframe-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Run database migrations
	slog.Info("running database migrations")
	if err := storage.MigrateFromDSN(initCtx, cfg.Database.DSN); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize database repository
	repo, err := storage.NewPostgresRepository(initCtx, storage.PostgresConfig{
		DSN: cfg.Database.DSN,
	})
	if err != nil {
		slog.Error("failed to create database repository", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected successfully")

	// Initialize snapshot store
	snaps, err := snapshot.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Sessions.SnapshotTTL)
	if err != nil {
		slog.Error("failed to create snapshot store", "error", err)
		os.Exit(1)
	}
	slog.Info("redis connected successfully")

	// Load campaign content; a single malformed campaign aborts startup
	contentLoader := content.NewLoader()
	if err := contentLoader.LoadFromDir(cfg.Content.Dir); err != nil {
		slog.Error("failed to load campaigns", "dir", cfg.Content.Dir, "error", err)
		os.Exit(1)
	}
	slog.Info("campaigns loaded", "count", len(contentLoader.List()))

	// Notification fan-out: log sink plus the websocket hub
	sinks := notify.NewRegistry()
	sinks.Register("log", notify.LogSink{})
	hub := api.NewEventHub()
	sinks.Register("websocket", hub)

	// Initialize session manager
	manager := session.NewManager(contentLoader, repo, snaps, sinks, session.Options{
		WarningThreshold: cfg.Progression.WarningThreshold,
	})

	// Initialize background worker
	worker := cleanup.NewWorker(manager, cfg.Progression.TickInterval, cfg.Sessions.SweepInterval, cfg.Sessions.IdleAfter)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start background worker
	worker.Start(ctx)

	// Setup HTTP server
	server := api.NewServer(cfg.Server, manager, contentLoader, hub, repo)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := manager.Close(); err != nil {
		slog.Error("manager close error", "error", err)
	}
	if err := snaps.Close(); err != nil {
		slog.Error("snapshot store close error", "error", err)
	}
	if err := repo.Close(); err != nil {
		slog.Error("repository close error", "error", err)
	}

	slog.Info("mainframe-engine stopped")
}
