// Programming Tutor - chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/codetutor/internal/api"
	"github.com/ashureev/codetutor/internal/chat"
	"github.com/ashureev/codetutor/internal/config"
	"github.com/ashureev/codetutor/internal/gateway"
	"github.com/ashureev/codetutor/internal/identity"
	"github.com/ashureev/codetutor/internal/logging"
	"github.com/ashureev/codetutor/internal/middleware"
	"github.com/ashureev/codetutor/internal/session"
	"github.com/ashureev/codetutor/internal/store"
	"github.com/ashureev/codetutor/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if _, err := logging.Init(cfg.Log); err != nil {
		slog.Warn("Failed to open log file, logging to stdout", "error", err, "path", cfg.Log.File)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"backend", cfg.Gateway.Backend,
		"models", cfg.Gateway.Models,
		"languages", cfg.Gateway.Languages)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Transcripts live only in memory, so records left by a previous run are stale.
	reset, err := repo.ResetSessions(context.Background())
	if err != nil {
		slog.Error("Failed to reset stale sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Stale session cleanup complete", "sessions_deleted", reset)

	gw, err := gateway.New(cfg.Gateway)
	if err != nil {
		slog.Error("Failed to initialize completion gateway", "error", err)
		os.Exit(1)
	}
	slog.Info("Completion gateway initialized", "backend", cfg.Gateway.Backend)

	sessions := session.NewManager(repo, gw, chat.Options{
		Models:    cfg.Gateway.Models,
		Languages: cfg.Gateway.Languages,
	}, cfg.SessionTTL)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Initialize handlers.
	handler := api.NewHandler(repo, sessions, cfg, limiter)
	healthHandler := api.NewHealthHandler(repo, sessions)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", handler.ServeWS)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE replies need WriteTimeout 0.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartTTLWorker(ctx, cfg.SessionSweepPeriod)
	limiter.StartEviction(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
