package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loomlock/companion/internal/chat"
	"github.com/loomlock/companion/internal/convlog"
	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/identity"
)

// Client-facing protocol errors.
const (
	msgAuthFirst     = "First message must be authentication"
	msgTokenRequired = "Token required"
	msgInvalidFrame  = "Invalid message format"
	msgAlreadyAuthed = "Already authenticated"
)

const (
	defaultAuthTimeout = 10 * time.Second
	maxFrameBytes      = 64 << 10
)

// Limiter throttles turns per user.
type Limiter interface {
	Allow(key string) bool
}

// Config tunes the websocket handler.
type Config struct {
	AllowedOrigin string
	IsDev         bool
	AuthTimeout   time.Duration
	QueueSize     int
}

// Handler upgrades connections and runs the chat protocol on them.
type Handler struct {
	auth     *identity.Authenticator
	orch     *chat.Orchestrator
	registry *Registry
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
}

// NewHandler creates a websocket handler. limiter may be nil.
func NewHandler(auth *identity.Authenticator, orch *chat.Orchestrator, registry *Registry, limiter Limiter, cfg Config, logger *slog.Logger) *Handler {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Handler{
		auth:     auth,
		orch:     orch,
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := identity.IPFromRequest(r)
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", ip)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	sess := newSession(uuid.NewString(), func(ctx context.Context, data []byte) error {
		return ws.Write(ctx, websocket.MessageText, data)
	}, h.cfg.QueueSize, h.logger)
	logger := h.logger.With("session_id", sess.ID)
	logger.Info("WebSocket connection accepted", "ip", ip)

	ctx, cancel := context.WithCancel(r.Context())
	// A session closed from outside (write failure, shutdown) ends the read loop.
	go func() {
		select {
		case <-sess.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()
	status, reason := h.serve(ctx, cancel, ws, sess, logger)

	sess.Close()
	if userID := sess.UserID(); userID != "" {
		h.registry.Unregister(userID, sess)
	}
	if closeErr := ws.Close(status, reason); closeErr != nil {
		logger.Debug("Failed to close websocket", "error", closeErr)
	}
	logger.Info("Chat session ended", "user_id", sess.UserID(), "reason", reason)
}

// serve runs the session until the client leaves or breaks protocol and
// returns the close status to send. In-flight turns are canceled and
// joined before it returns.
func (h *Handler) serve(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, sess *Session, logger *slog.Logger) (websocket.StatusCode, string) {
	defer cancel()

	if err := sess.beginAuth(); err != nil {
		return websocket.StatusInternalError, "session state"
	}

	user, status, reason := h.authenticate(ctx, ws, sess, logger)
	if user == nil {
		return status, reason
	}
	h.registry.Register(user.UserID, sess)
	logger = logger.With("user_id", user.UserID)

	var turns sync.WaitGroup
	defer func() {
		cancel()
		turns.Wait()
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return websocket.StatusNormalClosure, "session ended"
		}

		frame, err := ParseFrame(data)
		if err != nil {
			logger.Warn("Malformed frame, closing session", "error", err)
			_ = sess.Emit(ctx, event.Error{Error: msgInvalidFrame})
			return websocket.StatusPolicyViolation, "malformed frame"
		}

		switch frame.Type {
		case FramePing:
			_ = sess.Emit(ctx, event.Pong{})
		case FrameAuth:
			logger.Warn("Auth frame after authentication, closing session")
			_ = sess.Emit(ctx, event.Error{Error: msgAlreadyAuthed})
			return websocket.StatusPolicyViolation, "unexpected auth"
		case FrameChat:
			h.startTurn(ctx, sess, user, frame, &turns, logger)
		}
	}
}

func (h *Handler) authenticate(ctx context.Context, ws *websocket.Conn, sess *Session, logger *slog.Logger) (*domain.User, websocket.StatusCode, string) {
	readCtx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		logger.Debug("No authentication frame", "error", err)
		return nil, websocket.StatusPolicyViolation, "authentication timeout"
	}

	frame, err := ParseFrame(data)
	if err != nil || frame.Type != FrameAuth {
		_ = sess.Emit(ctx, event.Error{Error: msgAuthFirst})
		return nil, websocket.StatusPolicyViolation, "authentication required"
	}
	if frame.Token == "" {
		_ = sess.Emit(ctx, event.Error{Error: msgTokenRequired})
		return nil, websocket.StatusPolicyViolation, "token required"
	}

	user, err := h.auth.Authenticate(ctx, frame.Token)
	if err != nil {
		logger.Warn("WebSocket authentication failed", "error", err)
		_ = sess.Emit(ctx, event.Error{Error: chat.ClientMessage(err)})
		return nil, websocket.StatusPolicyViolation, "authentication failed"
	}

	if err := sess.authenticated(user); err != nil {
		return nil, websocket.StatusInternalError, "session state"
	}
	if err := sess.Emit(ctx, event.AuthSuccess{UserID: user.UserID}); err != nil {
		return nil, websocket.StatusNormalClosure, "session ended"
	}
	logger.Info("WebSocket authenticated", "user_id", user.UserID)
	return user, 0, ""
}

// startTurn runs a chat frame on its own goroutine so the read loop keeps
// serving pings and notices disconnects. A second chat frame during a turn
// is rejected, not queued.
func (h *Handler) startTurn(ctx context.Context, sess *Session, user *domain.User, frame Frame, turns *sync.WaitGroup, logger *slog.Logger) {
	query, err := frame.Query()
	if err != nil {
		_ = sess.Emit(ctx, event.Error{ChatID: frame.ChatID, Error: chat.ClientMessage(err)})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(user.UserID) {
		logger.Warn("Chat rate limited")
		_ = sess.Emit(ctx, event.Error{ChatID: query.ChatID, Error: chat.ClientMessage(domain.ErrRateLimited)})
		return
	}
	if err := sess.beginTurn(); err != nil {
		logger.Warn("Chat rejected", "error", err)
		_ = sess.Emit(ctx, event.Error{ChatID: query.ChatID, Error: chat.ClientMessage(err)})
		return
	}

	turns.Add(1)
	go func() {
		defer turns.Done()
		defer sess.endTurn()

		start := time.Now()
		err := h.orch.Handle(ctx, chat.Turn{
			UserID:       user.UserID,
			Query:        query,
			Speech:       chat.SpeechPerSentence,
			Channel:      convlog.ChannelWebSocket,
			SystemPrompt: user.SystemPrompt,
		}, sess)
		logger.Info("Chat turn finished", "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	}()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
