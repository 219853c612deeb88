package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/imagegen"
	"github.com/loomlock/companion/internal/lesson"
	"github.com/loomlock/companion/internal/llm"
	"github.com/loomlock/companion/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	convs     map[string]*domain.Conversation
	msgs      map[string][]*domain.Message
	images    []*domain.ImageAttachment
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{convs: map[string]*domain.Conversation{}, msgs: map[string][]*domain.Message{}}
}

func (s *memStore) CreateConversation(_ context.Context, userID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c := &domain.Conversation{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) GetConversation(_ context.Context, id, userID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListConversations(_ context.Context, userID string) ([]*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range s.convs {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) DeleteConversation(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(s.convs, id)
	delete(s.msgs, id)
	return true, nil
}

func (s *memStore) SetConversationName(_ context.Context, id, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || c.Name != "" {
		return false, nil
	}
	c.Name = name
	return true, nil
}

func (s *memStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], msg)
	return nil
}

// failingAssistantWrites persists user messages but refuses assistant ones.
type failingAssistantWrites struct {
	*memStore
	err error
}

func (s failingAssistantWrites) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.Role == domain.RoleAssistant {
		return s.err
	}
	return s.memStore.AppendMessage(ctx, msg)
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.msgs[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}

func (s *memStore) AttachImage(_ context.Context, img *domain.ImageAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	s.images = append(s.images, img)
	return nil
}

func (s *memStore) messages(chatID string) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[chatID])
}

func (s *memStore) conversation(id string) *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (s *memStore) attachments() []*domain.ImageAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.images)
}

// scriptedBackend streams fixed fragments and answers utility prompts.
type scriptedBackend struct {
	fragments   []string
	streamErr   error
	namingReply string
	imageReply  string

	mu          sync.Mutex
	streamed    []llm.Request
	namingCalls atomic.Int32
	imageCalls  atomic.Int32
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Stream(_ context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		b.mu.Lock()
		b.streamed = append(b.streamed, req)
		b.mu.Unlock()

		if b.streamErr != nil {
			yield("", b.streamErr)
			return
		}
		for _, f := range b.fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (b *scriptedBackend) Complete(_ context.Context, req llm.Request) (string, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	if strings.Contains(prompt, "image generator") {
		b.imageCalls.Add(1)
		return b.imageReply, nil
	}
	b.namingCalls.Add(1)
	return b.namingReply, nil
}

func (b *scriptedBackend) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streamed) == 0 {
		t.Fatal("expected a streamed completion")
	}
	return b.streamed[len(b.streamed)-1]
}

type fakeRetriever struct {
	calls    atomic.Int32
	passages []domain.Passage
	err      error
}

func (r *fakeRetriever) Search(context.Context, string) ([]domain.Passage, error) {
	r.calls.Add(1)
	return r.passages, r.err
}

type fakeSynth struct {
	failOn string
	delay  time.Duration
}

func (s *fakeSynth) Name() string   { return "fake" }
func (s *fakeSynth) Format() string { return "mp3" }

func (s *fakeSynth) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		if s.failOn != "" && strings.Contains(text, s.failOn) {
			yield(nil, errors.New("synth broke"))
			return
		}
		yield([]byte("audio:"+text), nil)
	}
}

type fakeImages struct {
	delay time.Duration
	err   error
}

func (g *fakeImages) Generate(ctx context.Context, prompt string, progress func(imagegen.Progress)) (*imagegen.Image, error) {
	if progress != nil {
		progress(imagegen.Progress{Status: "in_queue"})
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return &imagegen.Image{URL: "https://images.test/" + uuid.NewString() + ".png"}, nil
}

var errGone = errors.New("client gone")

// recorder is an Emitter that keeps every event. failAfter > 0 makes it
// behave like a client that disconnects after that many events.
type recorder struct {
	mu        sync.Mutex
	events    []event.Event
	failAfter int
}

func (r *recorder) Emit(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.events) >= r.failAfter {
		return errGone
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) types() []event.Type {
	var out []event.Type
	for _, e := range r.snapshot() {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recorder) count(t event.Type) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (r *recorder) index(t event.Type) int {
	return slices.Index(r.types(), t)
}

func find[T event.Event](t *testing.T, r *recorder) T {
	t.Helper()
	for _, e := range r.snapshot() {
		if v, ok := e.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T event in %v", zero, r.types())
	return zero
}

type harness struct {
	store     *memStore
	backend   *scriptedBackend
	retriever *fakeRetriever
	synth     *fakeSynth
	images    *fakeImages
	lessons   *lesson.Catalog
	noSpeech  bool
	noImages  bool

	// conversations overrides store as the orchestrator's repository.
	conversations store.ConversationRepository
}

func newHarness() *harness {
	return &harness{
		store: newMemStore(),
		backend: &scriptedBackend{
			fragments:   []string{"A black hole is a region of space. ", "Nothing escapes it."},
			namingReply: "Black Hole Basics",
			imageReply:  "a quiet galaxy bending light",
		},
		retriever: &fakeRetriever{},
		synth:     &fakeSynth{},
		images:    &fakeImages{},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	logger := slog.New(slog.DiscardHandler)
	var conversations store.ConversationRepository = h.store
	if h.conversations != nil {
		conversations = h.conversations
	}
	deps := Deps{
		Conversations: conversations,
		Gateway:       llm.NewGateway(logger, h.backend),
		Retriever:     h.retriever,
		Lessons:       h.lessons,
		Logger:        logger,
	}
	if !h.noSpeech {
		deps.Speech = h.synth
	}
	if !h.noImages {
		deps.Images = h.images
	}
	return NewOrchestrator(deps)
}
