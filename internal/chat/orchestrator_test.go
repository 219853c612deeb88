package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
	"github.com/loomlock/companion/internal/lesson"
	"github.com/loomlock/companion/internal/llm"
)

func TestHandleNewConversation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	rec := &recorder{}
	err := h.orchestrator().Handle(context.Background(), Turn{
		UserID: "user-1",
		Query:  domain.Query{Text: "What is a black hole?"},
	}, rec)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	types := rec.types()
	if types[0] != event.TypeChatStart {
		t.Fatalf("expected chat_start first, got %v", types)
	}
	if types[len(types)-1] != event.TypeChatComplete {
		t.Fatalf("expected chat_complete last, got %v", types)
	}
	if got := rec.count(event.TypeContent); got != 2 {
		t.Fatalf("expected 2 content events, got %d", got)
	}
	if got := rec.count(event.TypeTextComplete); got != 1 {
		t.Fatalf("expected 1 text_complete, got %d", got)
	}
	for _, typ := range types {
		if strings.HasPrefix(string(typ), "voice_") || strings.HasPrefix(string(typ), "image_") {
			t.Fatalf("unexpected %s event", typ)
		}
	}

	done := find[event.ChatComplete](t, rec)
	if done.ChatName != "Black Hole Basics" {
		t.Fatalf("expected generated name, got %q", done.ChatName)
	}
	if done.FullResponse != "A black hole is a region of space. Nothing escapes it." {
		t.Fatalf("unexpected full response %q", done.FullResponse)
	}
	if got := h.backend.namingCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one naming call, got %d", got)
	}
	if got := h.retriever.calls.Load(); got != 1 {
		t.Fatalf("expected one retrieval call, got %d", got)
	}

	msgs := h.store.messages(done.ChatID)
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].ID != done.MessageID {
		t.Fatalf("assistant message mismatch: %+v", msgs[1])
	}
	if msgs[1].Context == nil || msgs[1].Context.Backend != "scripted" {
		t.Fatalf("expected backend recorded in context, got %+v", msgs[1].Context)
	}
	if conv := h.store.conversation(done.ChatID); conv.Name != "Black Hole Basics" {
		t.Fatalf("expected stored name, got %q", conv.Name)
	}
}

func TestHandleForeignConversation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	foreign, err := h.store.CreateConversation(ctx, "someone-else")
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	err = h.orchestrator().Handle(ctx, Turn{
		UserID: "user-1",
		Query:  domain.Query{Text: "hello", ChatID: foreign.ID},
	}, rec)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected a single event, got %v", rec.types())
	}
	e, ok := events[0].(event.Error)
	if !ok || e.Error != msgNotFound {
		t.Fatalf("expected not-found error event, got %#v", events[0])
	}
	if n := len(h.store.messages(foreign.ID)); n != 0 {
		t.Fatalf("expected no persisted messages, got %d", n)
	}
}

func TestHandleVoiceFailureMidReply(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.backend.fragments = []string{"One. ", "Two. ", "Three."}
	h.synth.failOn = "Two"

	rec := &recorder{}
	err := h.orchestrator().Handle(context.Background(), Turn{
		UserID: "user-1",
		Query:  domain.Query{Text: "count to three", EnableVoice: true},
	}, rec)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	start := find[event.VoiceStart](t, rec)
	if start.Sentences != 3 {
		t.Fatalf("expected 3 sentences, got %d", start.Sentences)
	}
	voiceErr := find[event.VoiceError](t, rec)
	if voiceErr.SentenceIndex == nil || *voiceErr.SentenceIndex != 1 {
		t.Fatalf("expected failure on sentence 1, got %+v", voiceErr)
	}
	if rec.count(event.TypeVoiceComplete) != 0 {
		t.Fatal("voice_complete must not follow voice_error")
	}
	if got := rec.count(event.TypeVoiceChunk); got != 1 {
		t.Fatalf("expected one chunk before the failure, got %d", got)
	}
	if rec.count(event.TypeTextComplete) != 1 {
		t.Fatal("expected text_complete")
	}
	types := rec.types()
	if types[len(types)-1] != event.TypeChatComplete {
		t.Fatalf("expected chat_complete last, got %v", types)
	}
}

func TestHandleLessonModeSkipsRetrievalAndHistory(t *testing.T) {
	t.Parallel()

	h := newHarness()
	catalog, err := lesson.NewCatalog(&lesson.Lesson{Tag: "breathing", Title: "Box Breathing", Document: "Inhale for four counts."})
	if err != nil {
		t.Fatal(err)
	}
	h.lessons = catalog

	ctx := context.Background()
	conv, _ := h.store.CreateConversation(ctx, "user-1")
	_ = h.store.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "earlier"})
	_ = h.store.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "reply"})

	rec := &recorder{}
	err = h.orchestrator().Handle(ctx, Turn{
		UserID: "user-1",
		Query:  domain.Query{Text: "start the lesson", ChatID: conv.ID, Lesson: "breathing"},
	}, rec)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := h.retriever.calls.Load(); got != 0 {
		t.Fatalf("lesson mode must not retrieve, got %d calls", got)
	}
	req := h.backend.lastRequest(t)
	if len(req.Messages) != 1 {
		t.Fatalf("lesson mode must not send history, got %d messages", len(req.Messages))
	}
	if !strings.Contains(req.System, "Inhale for four counts.") {
		t.Fatalf("expected lesson document in system prompt, got %q", req.System)
	}
}

func TestHandleUnknownLesson(t *testing.T) {
	t.Parallel()

	h := newHarness()
	rec := &recorder{}
	err := h.orchestrator().Handle(context.Background(), Turn{
		UserID: "user-1",
		Query:  domain.Query{Text: "hi", Lesson: "missing"},
	}, rec)
	if !errors.Is(err, domain.ErrLessonNotFound) {
		t.Fatalf("expected ErrLessonNotFound, got %v", err)
	}
	if e := find[event.Error](t, rec); e.Error != msgLessonNotFound {
		t.Fatalf("unexpected error message %q", e.Error)
	}
	if convs, _ := h.store.ListConversations(context.Background(), "user-1"); len(convs) != 0 {
		t.Fatal("no conversation should be created for an unknown lesson")
	}
}

func TestHandleNamesConversationOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.orchestrator()
	ctx := context.Background()

	first := &recorder{}
	if err := o.Handle(ctx, Turn{UserID: "user-1", Query: domain.Query{Text: "What is a black hole?"}}, first); err != nil {
		t.Fatal(err)
	}
	chatID := find[event.ChatComplete](t, first).ChatID

	h.backend.namingReply = "Something Else"
	second := &recorder{}
	if err := o.Handle(ctx, Turn{UserID: "user-1", Query: domain.Query{Text: "and then?", ChatID: chatID}}, second); err != nil {
		t.Fatal(err)
	}

	if got := h.backend.namingCalls.Load(); got != 1 {
		t.Fatalf("expected one naming call across both turns, got %d", got)
	}
	if name := find[event.ChatComplete](t, second).ChatName; name != "" {
		t.Fatalf("second turn must not report a name, got %q", name)
	}
	if conv := h.store.conversation(chatID); conv.Name != "Black Hole Basics" {
		t.Fatalf("name changed to %q", conv.Name)
	}
}

func TestHandleNamingFallback(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.backend.namingReply = ""
	rec := &recorder{}
	if err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "what is a black hole?"}}, rec); err != nil {
		t.Fatal(err)
	}
	if name := find[event.ChatComplete](t, rec).ChatName; name != "What Is A" {
		t.Fatalf("expected fallback name, got %q", name)
	}
}

func TestHandleHistoryExcludesCurrentAndIsCapped(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	conv, _ := h.store.CreateConversation(ctx, "user-1")
	for i := 0; i < 25; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_ = h.store.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: role, Content: "old"})
	}

	if err := h.orchestrator().Handle(ctx, Turn{UserID: "user-1", Query: domain.Query{Text: "latest", ChatID: conv.ID}}, &recorder{}); err != nil {
		t.Fatal(err)
	}

	req := h.backend.lastRequest(t)
	if len(req.Messages) != HistoryLimit+1 {
		t.Fatalf("expected %d messages, got %d", HistoryLimit+1, len(req.Messages))
	}
	for _, m := range req.Messages[:HistoryLimit] {
		if m.Content != "old" {
			t.Fatalf("current message leaked into history: %q", m.Content)
		}
	}
	if last := req.Messages[HistoryLimit]; last.Content != "latest" {
		t.Fatalf("expected query last, got %q", last.Content)
	}
}

func TestHandleRetrievedPassagesReachPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.retriever.passages = []domain.Passage{{ID: "p1", Content: "Event horizons trap light."}}
	rec := &recorder{}
	if err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "black holes?"}}, rec); err != nil {
		t.Fatal(err)
	}

	req := h.backend.lastRequest(t)
	if !strings.Contains(req.Messages[0].Content, "Event horizons trap light.") {
		t.Fatalf("expected passage in prompt, got %q", req.Messages[0].Content)
	}
	msgs := h.store.messages(find[event.ChatComplete](t, rec).ChatID)
	if got := msgs[1].Context.RetrievedChunks; len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("expected passages persisted with the reply, got %+v", got)
	}
}

func TestHandleRetrievalFailureContinues(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.retriever.err = errors.New("index offline")
	rec := &recorder{}
	if err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "hi"}}, rec); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.count(event.TypeChatComplete) != 1 || rec.count(event.TypeError) != 0 {
		t.Fatalf("expected a normal turn, got %v", rec.types())
	}
}

func TestHandleGatewayExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.backend.streamErr = errors.New("upstream 500")
	rec := &recorder{}
	if err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "hi there"}}, rec); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if c := find[event.Content](t, rec); c.Content != llm.ExhaustedMessage {
		t.Fatalf("expected exhaustion notice, got %q", c.Content)
	}
	if rec.count(event.TypeContent) != 1 {
		t.Fatalf("expected exactly one content event, got %v", rec.types())
	}
	done := find[event.ChatComplete](t, rec)
	msgs := h.store.messages(done.ChatID)
	if !msgs[1].Context.Degraded {
		t.Fatal("expected degraded reply to be flagged")
	}
}

func TestHandlePersistenceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.appendErr = errors.New("disk full")
	rec := &recorder{}
	err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "hi"}}, rec)
	if err == nil {
		t.Fatal("expected error")
	}
	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected only an error event, got %v", rec.types())
	}
	if e := events[0].(event.Error); e.Error != msgInternal || strings.Contains(e.Error, "disk") {
		t.Fatalf("expected sanitized message, got %q", e.Error)
	}
}

func TestHandleAssistantPersistenceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.conversations = failingAssistantWrites{memStore: h.store, err: errors.New("disk full")}
	rec := &recorder{}
	err := h.orchestrator().Handle(context.Background(), Turn{
		UserID: "user-1",
		Query:  domain.Query{Text: "What is a black hole?", EnableVoice: true, EnableImage: true},
		Speech: SpeechPerSentence,
	}, rec)
	if err == nil {
		t.Fatal("expected error")
	}

	types := rec.types()
	if rec.count(event.TypeError) != 1 || types[len(types)-1] != event.TypeError {
		t.Fatalf("expected exactly one trailing error, got %v", types)
	}
	if e := find[event.Error](t, rec); e.Error != msgInternal || strings.Contains(e.Error, "disk") {
		t.Fatalf("expected sanitized message, got %q", e.Error)
	}
	if rec.count(event.TypeTextComplete) != 0 || rec.count(event.TypeChatComplete) != 0 {
		t.Fatalf("turn must not complete, got %v", types)
	}
	for _, typ := range types {
		if strings.HasPrefix(string(typ), "voice_") || strings.HasPrefix(string(typ), "image_") {
			t.Fatalf("no fan-out expected, got %s in %v", typ, types)
		}
	}
	if n := len(h.store.attachments()); n != 0 {
		t.Fatalf("expected no image attachments, got %d", n)
	}
	if got := h.backend.imageCalls.Load(); got != 0 {
		t.Fatalf("expected no image prompt, got %d", got)
	}

	start := find[event.ChatStart](t, rec)
	msgs := h.store.messages(start.ChatID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user message stored, got %d", len(msgs))
	}
}

func TestHandleUsesCustomSystemPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.orchestrator()
	rec := &recorder{}
	if err := o.Handle(context.Background(), Turn{
		UserID:       "user-1",
		Query:        domain.Query{Text: "hi"},
		SystemPrompt: "You speak only in haiku.",
	}, rec); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sys := h.backend.lastRequest(t).System; !strings.HasPrefix(sys, "You speak only in haiku.") {
		t.Fatalf("expected custom persona, got %q", sys)
	}

	if err := o.Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "hi"}}, &recorder{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sys := h.backend.lastRequest(t).System; strings.Contains(sys, "haiku") {
		t.Fatalf("default persona expected without an override, got %q", sys)
	}
}

func TestHandleInvalidQuery(t *testing.T) {
	t.Parallel()

	h := newHarness()
	rec := &recorder{}
	err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "   "}}, rec)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if e := find[event.Error](t, rec); e.Error != msgInvalidInput {
		t.Fatalf("unexpected message %q", e.Error)
	}
}

func TestHandleStopsWhenClientLeaves(t *testing.T) {
	t.Parallel()

	h := newHarness()
	rec := &recorder{failAfter: 2}
	err := h.orchestrator().Handle(context.Background(), Turn{UserID: "user-1", Query: domain.Query{Text: "hi", EnableVoice: true}}, rec)
	if !errors.Is(err, errGone) {
		t.Fatalf("expected emitter error, got %v", err)
	}
	if rec.count(event.TypeChatComplete) != 0 {
		t.Fatal("no terminal event can reach a closed client")
	}
}

func TestHandleCanceledContext(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.synth.delay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	done := make(chan error, 1)
	go func() {
		done <- h.orchestrator().Handle(ctx, Turn{UserID: "user-1", Query: domain.Query{Text: "hi", EnableVoice: true}}, rec)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(event.TypeVoiceStart) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after cancel")
	}
	if rec.count(event.TypeChatComplete) != 0 {
		t.Fatal("canceled turn must not complete")
	}
}
