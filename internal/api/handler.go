// Package api provides HTTP handlers for the companion API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/loomlock/companion/internal/chat"
	"github.com/loomlock/companion/internal/store"
)

// Limiter throttles turns per user.
type Limiter interface {
	Allow(key string) bool
}

// HealthChecker is an optional collaborator checked by the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Features describes which optional collaborators the server was started with.
type Features struct {
	Voice     bool     `json:"voice_enabled"`
	Image     bool     `json:"image_enabled"`
	Retrieval bool     `json:"retrieval_enabled"`
	Backends  []string `json:"backends"`
	Lessons   []string `json:"lessons"`
}

// SSEConfig tunes the one-shot streaming endpoint.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

const (
	defaultKeepaliveInterval  = 10 * time.Second
	defaultMaxRequestBodySize = 64 << 10
)

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	orch      *chat.Orchestrator
	limiter   Limiter
	retrieval HealthChecker
	features  Features
	sse       SSEConfig
	webhook   *svix.Webhook
	logger    *slog.Logger
}

// NewHandler creates a new Handler. limiter and retrieval may be nil.
func NewHandler(repo store.Repository, orch *chat.Orchestrator, limiter Limiter, retrieval HealthChecker, features Features, sse SSEConfig, logger *slog.Logger) *Handler {
	if sse.KeepaliveInterval <= 0 {
		sse.KeepaliveInterval = defaultKeepaliveInterval
	}
	if sse.MaxRequestBodySize <= 0 {
		sse.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:      repo,
		orch:      orch,
		limiter:   limiter,
		retrieval: retrieval,
		features:  features,
		sse:       sse,
		logger:    logger,
	}
}

// RegisterRoutes registers the API routes that require an authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Put("/api/me/system-prompt", h.SetSystemPrompt)
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/chats", h.ListChats)
	r.Get("/api/chats/{id}", h.GetChat)
	r.Delete("/api/chats/{id}", h.DeleteChat)
	r.Post("/api/query", h.Query)
}

// RegisterPublicRoutes registers routes served without authentication.
// The Clerk webhook is signature-checked instead and only mounted once
// EnableClerkWebhook has been called.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	if h.webhook != nil {
		r.Post("/api/webhooks/clerk", h.ClerkWebhook)
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
