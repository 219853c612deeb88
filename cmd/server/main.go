// Companion - streaming conversational tutor server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/loomlock/companion/internal/api"
	"github.com/loomlock/companion/internal/chat"
	"github.com/loomlock/companion/internal/config"
	"github.com/loomlock/companion/internal/convlog"
	"github.com/loomlock/companion/internal/identity"
	"github.com/loomlock/companion/internal/lesson"
	"github.com/loomlock/companion/internal/middleware"
	"github.com/loomlock/companion/internal/retrieval"
	"github.com/loomlock/companion/internal/session"
	"github.com/loomlock/companion/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	transcripts, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize completion backends", "error", err)
		os.Exit(1)
	}
	slog.Info("Completion gateway ready", "backends", gateway.Backends())

	synth := newSynthesizer(cfg)
	images := newImageGenerator(cfg, logger)

	// Retrieval is optional; a dead endpoint disables it instead of
	// failing startup.
	var retriever retrieval.Retriever = retrieval.Noop{}
	var retrievalHealth api.HealthChecker
	if cfg.Retrieval.Addr != "" {
		slog.Info("Connecting to retrieval service", "address", cfg.Retrieval.Addr)
		client, err := retrieval.NewGRPCClient(retrieval.GRPCConfig{
			Address:        cfg.Retrieval.Addr,
			TopK:           cfg.Retrieval.TopK,
			ConnectTimeout: cfg.Retrieval.ConnectTimeout,
			RequestTimeout: cfg.Retrieval.RequestTimeout,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to retrieval service, retrieval will be disabled", "error", err)
		} else {
			defer client.Close()
			retriever = client
			retrievalHealth = client
		}
	}

	lessons, err := lesson.Load(cfg.LessonsDir)
	if err != nil {
		slog.Error("Failed to load lessons", "error", err, "dir", cfg.LessonsDir)
		os.Exit(1)
	}
	slog.Info("Lessons loaded", "count", lessons.Len())

	verifier, err := newVerifier(cfg)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}
	auth := identity.NewAuthenticator(verifier, repo, cfg.Auth.AutoProvision)

	// Initialize services.
	orch := chat.NewOrchestrator(chat.Deps{
		Conversations: repo,
		Gateway:       gateway,
		Retriever:     retriever,
		Speech:        synth,
		Images:        images,
		Lessons:       lessons,
		Transcripts:   transcripts,
		Logger:        logger,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	registry := session.NewRegistry()

	// Initialize handlers.
	wsHandler := session.NewHandler(auth, orch, registry, limiter, session.Config{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		AuthTimeout:   cfg.Session.AuthTimeout,
		QueueSize:     cfg.Session.QueueSize,
	}, logger)
	apiHandler := api.NewHandler(repo, orch, limiter, retrievalHealth, api.Features{
		Voice:     synth != nil,
		Image:     images != nil,
		Retrieval: retrievalHealth != nil,
		Backends:  gateway.Backends(),
		Lessons:   lessons.Tags(),
	}, api.SSEConfig{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
	}, logger)
	if cfg.Auth.WebhookSecret != "" {
		if err := apiHandler.EnableClerkWebhook(cfg.Auth.WebhookSecret); err != nil {
			slog.Error("Failed to initialize Clerk webhook", "error", err)
			os.Exit(1)
		}
		slog.Info("Clerk webhook enabled")
	} else if !cfg.Auth.AutoProvision {
		slog.Warn("Neither CLERK_WEBHOOK_SECRET nor AUTO_PROVISION_USERS is set; no users will be created")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	apiHandler.RegisterPublicRoutes(r)

	// WebSocket endpoint; authentication happens in-band.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Bearer-authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(auth))
		apiHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: SSE and websocket turns stream for a long time (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for streaming
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

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

	slog.Info("Shutting down gracefully...", "sessions", registry.Count())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	registry.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	if cfg.FrontendURL == "" {
		return nil
	}
	return []string{cfg.FrontendURL}
}
