package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/imagegen"
	"github.com/loomlock/companion/internal/lesson"
	"github.com/loomlock/companion/internal/llm"
	"github.com/loomlock/companion/internal/metrics"
	"github.com/loomlock/companion/internal/prompts"
	"github.com/loomlock/companion/internal/sentence"
	"github.com/loomlock/companion/internal/speech"
	"github.com/loomlock/companion/internal/store"
)

// Job is the input to one fan-out run. Sentences, when set, are synthesized
// one by one; otherwise Text is synthesized in a single call.
type Job struct {
	UserID     string
	ChatID     string
	MessageID  string
	Query      string
	Text       string
	Sentences  []string
	Lesson     *lesson.Lesson
	WantsVoice bool
	WantsImage bool
}

// FanOut runs the speech and image branches of a turn concurrently.
type FanOut struct {
	conversations store.ConversationRepository
	gateway       *llm.Gateway
	speech        speech.Synthesizer
	images        imagegen.Generator
	logger        *slog.Logger
}

// NewFanOut returns a coordinator. synth and images may be nil, in which
// case a requested branch reports itself unavailable.
func NewFanOut(conversations store.ConversationRepository, gateway *llm.Gateway, synth speech.Synthesizer, images imagegen.Generator, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{
		conversations: conversations,
		gateway:       gateway,
		speech:        synth,
		images:        images,
		logger:        logger,
	}
}

// Run launches the requested branches and returns once every one of them
// has emitted its terminal event or given up on a closed client. A failing
// branch never cancels its sibling.
func (f *FanOut) Run(ctx context.Context, job Job, out Emitter) {
	var wg sync.WaitGroup
	if job.WantsVoice {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.voice(ctx, job, out)
		}()
	}
	if job.WantsImage {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.image(ctx, job, out)
		}()
	}
	wg.Wait()
}

func (f *FanOut) voice(ctx context.Context, job Job, out Emitter) {
	if f.speech == nil {
		_ = out.Emit(ctx, event.VoiceError{ChatID: job.ChatID, Error: msgVoiceUnavailable})
		return
	}

	sentences := job.Sentences
	if len(sentences) == 0 {
		if text := strings.TrimSpace(job.Text); text != "" {
			sentences = []string{text}
		}
	}
	if err := out.Emit(ctx, event.VoiceStart{ChatID: job.ChatID, Sentences: len(sentences)}); err != nil {
		return
	}

	for i, s := range sentences {
		if ctx.Err() != nil {
			return
		}
		if err := f.speak(ctx, job, i, s, out); err != nil {
			if ctx.Err() != nil || errors.Is(err, errClientGone) {
				return
			}
			f.logger.Error("Speech synthesis failed",
				"user_id", job.UserID,
				"chat_id", job.ChatID,
				"operation", "voice",
				"sentence_index", i,
				"provider", f.speech.Name(),
				"error", err,
			)
			index := i
			_ = out.Emit(ctx, event.VoiceError{ChatID: job.ChatID, SentenceIndex: &index, Error: msgVoiceFailed})
			return
		}
	}

	_ = out.Emit(ctx, event.VoiceComplete{ChatID: job.ChatID, SentencesProcessed: len(sentences)})
}

// speak streams one sentence. Chunks already sent stay sent when a later
// chunk fails; the client drops the partial sentence on voice_error.
func (f *FanOut) speak(ctx context.Context, job Job, index int, text string, out Emitter) error {
	m := metrics.NewStreaming("speech:" + f.speech.Name())
	defer func() {
		m.Finish()
		f.logger.Debug("Sentence synthesized", "chat_id", job.ChatID, "sentence_index", index, "metrics", m)
	}()

	seq := 0
	for chunk, err := range f.speech.Synthesize(ctx, text) {
		if err != nil {
			return err
		}
		m.Record(len(chunk))
		if err := out.Emit(ctx, event.VoiceChunk{
			ChatID:        job.ChatID,
			SentenceIndex: index,
			Seq:           seq,
			Format:        f.speech.Format(),
			Audio:         base64.StdEncoding.EncodeToString(chunk),
		}); err != nil {
			return errClientGone
		}
		seq++
	}
	if seq == 0 {
		return errNoAudio
	}
	return nil
}

const imagePromptMaxTokens = 200

func (f *FanOut) image(ctx context.Context, job Job, out Emitter) {
	if f.images == nil {
		_ = out.Emit(ctx, event.ImageError{ChatID: job.ChatID, Error: msgImageUnavailable})
		return
	}
	if err := out.Emit(ctx, event.ImageStart{ChatID: job.ChatID}); err != nil {
		return
	}

	fail := func(step string, err error) {
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("Image generation failed",
			"user_id", job.UserID,
			"chat_id", job.ChatID,
			"message_id", job.MessageID,
			"operation", "image",
			"step", step,
			"error", err,
		)
		_ = out.Emit(ctx, event.ImageError{ChatID: job.ChatID, Error: msgImageFailed})
	}

	text, outcome := f.gateway.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: domain.RoleUser, Content: prompts.Image(job.Query, job.Text, job.Lesson)}},
		MaxTokens:   imagePromptMaxTokens,
		Temperature: 0.7,
		Tier:        llm.TierUtility,
	})
	if outcome.Canceled {
		return
	}
	prompt := strings.TrimSpace(text)
	if outcome.Exhausted || prompt == "" {
		fail("prompt", errEmptyPrompt(outcome))
		return
	}

	img, err := f.images.Generate(ctx, prompt, func(p imagegen.Progress) {
		_ = out.Emit(ctx, event.ImageProgress{ChatID: job.ChatID, Status: p.Status, Message: p.Message})
	})
	if err != nil {
		fail("generate", err)
		return
	}
	// A turn abandoned mid-generation keeps no attachment.
	if ctx.Err() != nil {
		return
	}

	att := &domain.ImageAttachment{MessageID: job.MessageID, Prompt: prompt, URL: img.URL}
	if err := f.conversations.AttachImage(ctx, att); err != nil {
		fail("attach", err)
		return
	}

	_ = out.Emit(ctx, event.ImageComplete{
		ChatID:    job.ChatID,
		MessageID: job.MessageID,
		ImageID:   att.ID,
		URL:       att.URL,
		Prompt:    att.Prompt,
	})
}

// sentencesFor splits text for per-sentence synthesis when the stream did
// not already produce them.
func sentencesFor(text string, streamed []string) []string {
	if len(streamed) > 0 {
		return streamed
	}
	return sentence.Split(text)
}
