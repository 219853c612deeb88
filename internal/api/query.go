package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/loomlock/companion/internal/chat"
	"github.com/loomlock/companion/internal/convlog"
	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/identity"
)

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Message     string `json:"message"`
	ChatID      string `json:"chat_id"`
	EnableVoice bool   `json:"enable_voice"`
	EnableImage bool   `json:"enable_image"`
	Lesson      string `json:"lesson"`
	Expertise   int    `json:"expertise"`
}

func (q QueryRequest) query() domain.Query {
	return domain.Query{
		Text:        q.Message,
		ChatID:      q.ChatID,
		EnableVoice: q.EnableVoice,
		EnableImage: q.EnableImage,
		Lesson:      q.Lesson,
		Expertise:   q.Expertise,
	}.Normalize()
}

// Query runs one turn and streams its events as server-sent events. The
// stream opens with "start" and ends with "end" or "error".
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by userID so a user cannot bypass throttling by
	// switching between the websocket and this endpoint.
	if h.limiter != nil && !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.sse.MaxRequestBodySize)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q := req.query()
	if q.ChatID != "" {
		if _, err := uuid.Parse(q.ChatID); err != nil {
			Error(w, http.StatusBadRequest, "invalid chat id")
			return
		}
	}
	if err := q.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		h.logger.Error("Failed to load user for query", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	logger := h.logger.With("user_id", userID, "request_id", reqID)
	logger.Info("Query request",
		"chat_id", q.ChatID,
		"message_length", len(q.Text),
		"voice", q.EnableVoice,
		"image", q.EnableImage,
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseStream{w: w, flusher: flusher}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stream.keepalive(ctx, h.sse.KeepaliveInterval)
	}()

	start := time.Now()
	err = h.orch.Handle(ctx, chat.Turn{
		UserID:       userID,
		Query:        q,
		Speech:       chat.SpeechWholeText,
		Channel:      convlog.ChannelSSE,
		SystemPrompt: user.SystemPrompt,
	}, stream)
	cancel()
	wg.Wait()

	if err != nil {
		logger.Info("Query ended early", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Info("Query completed", "events", stream.count(), "duration_ms", time.Since(start).Milliseconds())
}

// sseStream serializes events from concurrent fan-out branches onto one
// response.
type sseStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	events  int
	broken  error
}

func (s *sseStream) Emit(ctx context.Context, e event.Event) error {
	data, err := event.EncodeAs(e, sseType(e))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return s.broken
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeSSE(s.w, data); err != nil {
		s.broken = fmt.Errorf("write event: %w", err)
		return s.broken
	}
	s.flusher.Flush()
	s.events++
	return nil
}

func (s *sseStream) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.broken == nil {
				if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
					s.broken = fmt.Errorf("write keepalive: %w", err)
				} else {
					s.flusher.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *sseStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// sseType renames the turn boundaries for the one-shot stream.
func sseType(e event.Event) event.Type {
	switch e.EventType() {
	case event.TypeChatStart:
		return "start"
	case event.TypeChatComplete:
		return "end"
	default:
		return e.EventType()
	}
}

func writeSSE(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
