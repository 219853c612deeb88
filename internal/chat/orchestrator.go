package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomlock/companion/internal/convlog"
	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/lesson"
	"github.com/loomlock/companion/internal/llm"
	"github.com/loomlock/companion/internal/prompts"
	"github.com/loomlock/companion/internal/sentence"
)

// HistoryLimit is the number of prior messages sent to the model.
const HistoryLimit = 20

// SpeechMode selects how the voice branch synthesizes a reply.
type SpeechMode int

const (
	// SpeechPerSentence synthesizes each sentence found while streaming.
	SpeechPerSentence SpeechMode = iota
	// SpeechWholeText synthesizes the full reply in one call.
	SpeechWholeText
)

// Turn is one query from an authenticated user.
type Turn struct {
	UserID  string
	Query   domain.Query
	Speech  SpeechMode
	Channel string

	// SystemPrompt is the user's persona override; empty uses the default.
	SystemPrompt string
}

// Orchestrator runs turns. It holds no per-turn state and is safe for
// concurrent use by many sessions; callers must not run two turns for the
// same session at once.
type Orchestrator struct {
	deps   Deps
	fanout *FanOut
}

// NewOrchestrator returns an orchestrator over deps.
func NewOrchestrator(deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	return &Orchestrator{
		deps:   deps,
		fanout: NewFanOut(deps.Conversations, deps.Gateway, deps.Speech, deps.Images, deps.Logger),
	}
}

// Handle runs one turn and emits its events to out. Every turn that can
// still reach the client ends with exactly one chat_complete or error
// event. The returned error is the one that ended the turn early, already
// logged and reported.
func (o *Orchestrator) Handle(ctx context.Context, turn Turn, out Emitter) error {
	q := turn.Query.Normalize()
	logger := o.deps.Logger.With("user_id", turn.UserID)

	if err := q.Validate(); err != nil {
		return o.fail(ctx, out, logger, q.ChatID, "validate", err)
	}

	var l *lesson.Lesson
	if q.Lesson != "" {
		var ok bool
		if l, ok = o.lesson(q.Lesson); !ok {
			return o.fail(ctx, out, logger, q.ChatID, "lesson", fmt.Errorf("%w: %s", domain.ErrLessonNotFound, q.Lesson))
		}
	}

	conv, err := o.resolve(ctx, turn.UserID, q.ChatID)
	if err != nil {
		return o.fail(ctx, out, logger, q.ChatID, "resolve conversation", err)
	}
	logger = logger.With("chat_id", conv.ID)

	userMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        q.Text,
		Context: &domain.MessageContext{
			Lesson:      q.Lesson,
			Expertise:   q.Expertise,
			EnableVoice: q.EnableVoice,
			EnableImage: q.EnableImage,
		},
	}

	// History and retrieval overlap with persisting the user message.
	// Lesson mode uses neither.
	var history []*domain.Message
	var passages []domain.Passage
	g, gctx := errgroup.WithContext(ctx)
	if l == nil {
		g.Go(func() error {
			h, err := o.history(gctx, conv.ID, userMsg.ID)
			history = h
			return err
		})
		g.Go(func() error {
			passages = o.retrieve(gctx, logger, q.Text)
			return nil
		})
	}

	if err := o.deps.Conversations.AppendMessage(ctx, userMsg); err != nil {
		_ = g.Wait()
		return o.fail(ctx, out, logger, conv.ID, "persist user message", err)
	}
	o.transcribe(turn, conv.ID, convlog.Inbound, "user_message", q.Text, nil)

	if err := out.Emit(ctx, event.ChatStart{ChatID: conv.ID, MessageID: userMsg.ID}); err != nil {
		_ = g.Wait()
		return err
	}

	if err := g.Wait(); err != nil {
		return o.fail(ctx, out, logger, conv.ID, "load history", err)
	}

	req := llm.Request{
		System:      prompts.System(turn.SystemPrompt, q.Expertise, l),
		Messages:    append(toLLM(history), llm.Message{Role: domain.RoleUser, Content: prompts.UserTurn(q.Text, passages)}),
		Temperature: 0.7,
		Tier:        llm.TierChat,
	}

	perSentence := q.EnableVoice && turn.Speech == SpeechPerSentence
	var (
		full      strings.Builder
		seg       sentence.Segmenter
		sentences []string
	)
	stream := o.deps.Gateway.Stream(ctx, req)
	for fragment := range stream.Fragments() {
		full.WriteString(fragment)
		if err := out.Emit(ctx, event.Content{ChatID: conv.ID, Content: fragment}); err != nil {
			return err
		}
		if perSentence {
			if s, ok := seg.Push(fragment); ok {
				sentences = append(sentences, s)
			}
		}
	}
	if perSentence {
		if s, ok := seg.Flush(); ok {
			sentences = append(sentences, s)
		}
	}

	outcome := stream.Outcome()
	if outcome.Canceled {
		return ctx.Err()
	}
	if outcome.Exhausted {
		logger.Warn("Replying with exhaustion notice", "operation", "complete", "error", outcome.Err())
	}
	text := full.String()

	assistant := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        text,
		Context: &domain.MessageContext{
			RetrievedChunks: passages,
			Lesson:          q.Lesson,
			Expertise:       q.Expertise,
			EnableVoice:     q.EnableVoice,
			EnableImage:     q.EnableImage,
			Backend:         outcome.Backend,
			Degraded:        outcome.Exhausted,
		},
	}
	if err := o.deps.Conversations.AppendMessage(ctx, assistant); err != nil {
		return o.fail(ctx, out, logger, conv.ID, "persist assistant message", err)
	}
	o.transcribe(turn, conv.ID, convlog.Outbound, "assistant_message", text, map[string]any{
		"backend":  outcome.Backend,
		"degraded": outcome.Exhausted,
	})

	if err := out.Emit(ctx, event.TextComplete{ChatID: conv.ID, MessageID: assistant.ID, Text: text}); err != nil {
		return err
	}

	var chatName string
	if conv.IsUnnamed() {
		chatName = o.name(ctx, logger, conv.ID, q.Text, text)
	}

	job := Job{
		UserID:     turn.UserID,
		ChatID:     conv.ID,
		MessageID:  assistant.ID,
		Query:      q.Text,
		Text:       text,
		Lesson:     l,
		WantsVoice: q.EnableVoice,
		WantsImage: q.EnableImage,
	}
	if perSentence {
		job.Sentences = sentencesFor(text, sentences)
	}
	o.fanout.Run(ctx, job, out)

	if err := ctx.Err(); err != nil {
		return err
	}
	return out.Emit(ctx, event.ChatComplete{
		ChatID:       conv.ID,
		MessageID:    assistant.ID,
		FullResponse: text,
		ChatName:     chatName,
	})
}

func (o *Orchestrator) lesson(tag string) (*lesson.Lesson, bool) {
	if o.deps.Lessons == nil {
		return nil, false
	}
	return o.deps.Lessons.Get(tag)
}

func (o *Orchestrator) resolve(ctx context.Context, userID, chatID string) (*domain.Conversation, error) {
	if chatID == "" {
		conv, err := o.deps.Conversations.CreateConversation(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	}

	conv, err := o.deps.Conversations.GetConversation(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", chatID, domain.ErrNotFound)
	}
	return conv, nil
}

// history returns up to HistoryLimit prior messages, excluding the message
// being persisted concurrently.
func (o *Orchestrator) history(ctx context.Context, chatID, currentID string) ([]*domain.Message, error) {
	msgs, err := o.deps.Conversations.ListMessages(ctx, chatID, HistoryLimit+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	prior := msgs[:0]
	for _, m := range msgs {
		if m.ID != currentID {
			prior = append(prior, m)
		}
	}
	if len(prior) > HistoryLimit {
		prior = prior[len(prior)-HistoryLimit:]
	}
	return prior, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, logger *slog.Logger, query string) []domain.Passage {
	passages, err := o.deps.Retriever.Search(ctx, query)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Retrieval failed, answering without context", "operation", "retrieve", "error", err)
		}
		return nil
	}
	return passages
}

// name derives and stores a title. Failures are logged and yield "".
func (o *Orchestrator) name(ctx context.Context, logger *slog.Logger, chatID, query, response string) string {
	name := o.nameConversation(ctx, query, response)
	if ctx.Err() != nil {
		return ""
	}
	ok, err := o.deps.Conversations.SetConversationName(ctx, chatID, name)
	if err != nil {
		logger.Warn("Failed to name conversation", "operation", "name", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return name
}

func (o *Orchestrator) fail(ctx context.Context, out Emitter, logger *slog.Logger, chatID, op string, err error) error {
	if isClientError(err) {
		logger.Warn("Turn rejected", "operation", op, "error", err)
	} else {
		logger.Error("Turn failed", "operation", op, "error", err)
	}
	if ctx.Err() != nil {
		return err
	}
	if emitErr := out.Emit(ctx, event.Error{ChatID: chatID, Error: ClientMessage(err)}); emitErr != nil {
		logger.Debug("Could not report turn failure", "error", emitErr)
	}
	return err
}

func (o *Orchestrator) transcribe(turn Turn, chatID, direction, kind, content string, meta map[string]any) {
	o.deps.Transcripts.Log(convlog.Event{
		UserID:     turn.UserID,
		ChatID:     chatID,
		Channel:    turn.Channel,
		Direction:  direction,
		EventType:  kind,
		ContentRaw: content,
		Meta:       meta,
	})
}

func isClientError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrLessonNotFound)
}

func toLLM(msgs []*domain.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
