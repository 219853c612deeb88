package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomlock/companion/internal/domain"
)

// runRepositorySuite exercises the behavior every Repository shares. IDs are
// random so the suite can run against a long-lived database.
func runRepositorySuite(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("UserRoundTrip", func(t *testing.T) {
		t.Parallel()
		testUserRoundTrip(t, open(t))
	})
	t.Run("DeleteUser", func(t *testing.T) {
		t.Parallel()
		testDeleteUser(t, open(t))
	})
	t.Run("SystemPrompt", func(t *testing.T) {
		t.Parallel()
		testSystemPrompt(t, open(t))
	})
	t.Run("ConversationOwnership", func(t *testing.T) {
		t.Parallel()
		testConversationOwnership(t, open(t))
	})
	t.Run("MessagesHistoryAndImages", func(t *testing.T) {
		t.Parallel()
		testMessagesHistoryAndImages(t, open(t))
	})
	t.Run("SetConversationNameIsIdempotent", func(t *testing.T) {
		t.Parallel()
		testSetConversationName(t, open(t))
	})
	t.Run("DeleteConversation", func(t *testing.T) {
		t.Parallel()
		testDeleteConversation(t, open(t))
	})
	t.Run("ListConversationsNewestFirst", func(t *testing.T) {
		t.Parallel()
		testListConversations(t, open(t))
	})
}

func newUserID() string { return "user_" + uuid.NewString() }

func testUserRoundTrip(t *testing.T, s Repository) {
	ctx := context.Background()
	id := newUserID()

	got, err := s.GetUser(ctx, id)
	if err != nil || got != nil {
		t.Fatalf("expected missing user, got %+v %v", got, err)
	}

	if err := s.UpsertUser(ctx, &domain.User{UserID: id, Username: "ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetUser(ctx, id)
	if err != nil || got == nil || got.Username != "ada" || got.Email != "ada@example.com" {
		t.Fatalf("unexpected user %+v %v", got, err)
	}

	if err := s.UpsertUser(ctx, &domain.User{UserID: id, Username: "ada.l"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = s.GetUser(ctx, id)
	if err != nil || got.Username != "ada.l" || got.Email != "" {
		t.Fatalf("expected updated user, got %+v %v", got, err)
	}
}

func testDeleteUser(t *testing.T, s Repository) {
	ctx := context.Background()
	id, other := newUserID(), newUserID()

	for _, uid := range []string{id, other} {
		if err := s.UpsertUser(ctx, &domain.User{UserID: uid, Username: "someone"}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	conv, err := s.CreateConversation(ctx, id)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := &domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "hi"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AttachImage(ctx, &domain.ImageAttachment{MessageID: msg.ID, Prompt: "p", URL: "u"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	kept, err := s.CreateConversation(ctx, other)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.DeleteUser(ctx, id)
	if err != nil || !ok {
		t.Fatalf("delete user: %v %v", ok, err)
	}
	if got, err := s.GetUser(ctx, id); err != nil || got != nil {
		t.Fatalf("expected user gone, got %+v %v", got, err)
	}
	if convs, err := s.ListConversations(ctx, id); err != nil || len(convs) != 0 {
		t.Fatalf("expected conversations gone, got %d %v", len(convs), err)
	}
	if msgs, err := s.ListMessages(ctx, conv.ID, 0); err != nil || len(msgs) != 0 {
		t.Fatalf("expected messages gone, got %d %v", len(msgs), err)
	}
	if got, err := s.GetConversation(ctx, kept.ID, other); err != nil || got == nil {
		t.Fatalf("other user's conversation should survive, got %+v %v", got, err)
	}

	ok, err = s.DeleteUser(ctx, id)
	if err != nil || ok {
		t.Fatalf("second delete should report missing, got %v %v", ok, err)
	}
}

func testSystemPrompt(t *testing.T, s Repository) {
	ctx := context.Background()
	id := newUserID()

	if ok, err := s.SetSystemPrompt(ctx, id, "Be brief."); err != nil || ok {
		t.Fatalf("expected missing user, got %v %v", ok, err)
	}
	if err := s.UpsertUser(ctx, &domain.User{UserID: id, Username: "ada"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if ok, err := s.SetSystemPrompt(ctx, id, "Be brief."); err != nil || !ok {
		t.Fatalf("set prompt: %v %v", ok, err)
	}

	// Profile syncs must not wipe the prompt.
	if err := s.UpsertUser(ctx, &domain.User{UserID: id, Username: "ada.l"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetUser(ctx, id)
	if err != nil || got.SystemPrompt != "Be brief." || got.Username != "ada.l" {
		t.Fatalf("unexpected user %+v %v", got, err)
	}
}

func testConversationOwnership(t *testing.T, s Repository) {
	ctx := context.Background()
	owner, intruder := newUserID(), newUserID()

	conv, err := s.CreateConversation(ctx, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !conv.IsUnnamed() {
		t.Fatal("new conversation must be unnamed")
	}

	if got, err := s.GetConversation(ctx, conv.ID, intruder); err != nil || got != nil {
		t.Fatalf("expected foreign conversation to be invisible, got %+v %v", got, err)
	}
	if ok, err := s.DeleteConversation(ctx, conv.ID, intruder); err != nil || ok {
		t.Fatalf("expected foreign delete to fail, got %v %v", ok, err)
	}
	if got, err := s.GetConversation(ctx, conv.ID, owner); err != nil || got == nil {
		t.Fatalf("expected owned conversation, got %+v %v", got, err)
	}
}

func testMessagesHistoryAndImages(t *testing.T, s Repository) {
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, newUserID())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var last *domain.Message
	for i, content := range []string{"one", "two", "three", "four"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msg := &domain.Message{ConversationID: conv.ID, Role: role, Content: content,
			Context: &domain.MessageContext{Expertise: 3, Lesson: "focus"}}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
		if msg.ID == "" {
			t.Fatal("expected generated message id")
		}
		last = msg
	}

	if err := s.AttachImage(ctx, &domain.ImageAttachment{MessageID: last.ID, Prompt: "a harbor", URL: "https://img/1.png"}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	all, err := s.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Content != "one" || all[3].Content != "four" {
		t.Fatalf("unexpected order %+v", all)
	}
	if all[0].Context == nil || all[0].Context.Lesson != "focus" {
		t.Fatalf("expected decoded context, got %+v", all[0].Context)
	}
	if len(all[3].Images) != 1 || all[3].Images[0].URL != "https://img/1.png" {
		t.Fatalf("expected image on last message, got %+v", all[3].Images)
	}

	recent, err := s.ListMessages(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "three" || recent[1].Content != "four" {
		t.Fatalf("expected last two oldest first, got %+v", recent)
	}
}

func testSetConversationName(t *testing.T, s Repository) {
	ctx := context.Background()
	owner := newUserID()

	conv, err := s.CreateConversation(ctx, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.SetConversationName(ctx, conv.ID, "Morning Focus")
	if err != nil || !ok {
		t.Fatalf("expected first naming to stick, got %v %v", ok, err)
	}
	ok, err = s.SetConversationName(ctx, conv.ID, "Something Else")
	if err != nil || ok {
		t.Fatalf("expected second naming to be ignored, got %v %v", ok, err)
	}

	got, err := s.GetConversation(ctx, conv.ID, owner)
	if err != nil || got.Name != "Morning Focus" {
		t.Fatalf("unexpected name %+v %v", got, err)
	}
}

func testDeleteConversation(t *testing.T, s Repository) {
	ctx := context.Background()
	owner := newUserID()

	conv, err := s.CreateConversation(ctx, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := &domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "hi"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AttachImage(ctx, &domain.ImageAttachment{MessageID: msg.ID, Prompt: "p", URL: "u"}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	ok, err := s.DeleteConversation(ctx, conv.ID, owner)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d %v", len(msgs), err)
	}
	if got, err := s.GetConversation(ctx, conv.ID, owner); err != nil || got != nil {
		t.Fatalf("expected conversation gone, got %+v %v", got, err)
	}
}

func testListConversations(t *testing.T, s Repository) {
	ctx := context.Background()
	owner := newUserID()

	first, err := s.CreateConversation(ctx, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateConversation(ctx, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateConversation(ctx, newUserID()); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.AppendMessage(ctx, &domain.Message{ConversationID: first.ID, Role: domain.RoleUser, Content: "bump"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListConversations(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != first.ID || convs[1].ID != second.ID {
		t.Fatalf("unexpected order %s %s", convs[0].ID, convs[1].ID)
	}
}
