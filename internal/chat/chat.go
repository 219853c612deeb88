// Package chat runs conversation turns: retrieval, streamed completion,
// persistence, naming and the speech/image fan-out.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loomlock/companion/internal/convlog"
	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/imagegen"
	"github.com/loomlock/companion/internal/lesson"
	"github.com/loomlock/companion/internal/llm"
	"github.com/loomlock/companion/internal/retrieval"
	"github.com/loomlock/companion/internal/speech"
	"github.com/loomlock/companion/internal/store"
)

// Emitter delivers events to one client. Implementations must be safe for
// concurrent use; fan-out branches emit from their own goroutines. Emit
// returns an error once the client is gone.
type Emitter interface {
	Emit(ctx context.Context, e event.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e event.Event) error

func (f EmitterFunc) Emit(ctx context.Context, e event.Event) error { return f(ctx, e) }

// Deps is the collaborator bundle shared by every turn. It is built once at
// startup and never mutated. Speech and Images may be nil.
type Deps struct {
	Conversations store.ConversationRepository
	Gateway       *llm.Gateway
	Retriever     retrieval.Retriever
	Speech        speech.Synthesizer
	Images        imagegen.Generator
	Lessons       *lesson.Catalog
	Transcripts   convlog.Logger
	Logger        *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Retriever == nil {
		d.Retriever = retrieval.Noop{}
	}
	if d.Transcripts == nil {
		d.Transcripts = convlog.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Client-facing error strings. Raw errors are logged, never sent.
const (
	msgNotFound       = "Chat not found"
	msgInvalidInput   = "Invalid request"
	msgLessonNotFound = "Lesson not found"
	msgBusy           = "A message is already being processed"
	msgRateLimited    = "Rate limit exceeded. Please wait before sending another message."
	msgUnauthorized   = "Authentication failed"
	msgUserNotFound   = "User not found"
	msgInternal       = "An error occurred while processing your request"

	msgVoiceUnavailable = "Voice is not available"
	msgVoiceFailed      = "Voice generation failed"
	msgImageUnavailable = "Image generation is not available"
	msgImageFailed      = "Image generation failed"
)

// ClientMessage maps err to a sanitized message safe to show to users.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return msgNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return msgInvalidInput
	case errors.Is(err, domain.ErrLessonNotFound):
		return msgLessonNotFound
	case errors.Is(err, domain.ErrSessionBusy):
		return msgBusy
	case errors.Is(err, domain.ErrRateLimited):
		return msgRateLimited
	case errors.Is(err, domain.ErrUnauthorized):
		return msgUnauthorized
	case errors.Is(err, domain.ErrUserNotFound):
		return msgUserNotFound
	default:
		return msgInternal
	}
}

var (
	errClientGone = errors.New("client disconnected")
	errNoAudio    = errors.New("synthesizer returned no audio")
)

func errEmptyPrompt(o llm.Outcome) error {
	if err := o.Err(); err != nil {
		return err
	}
	return errors.New("empty image prompt")
}
