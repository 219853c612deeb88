package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/identity"
)

// deleteLocks prevents concurrent deletes of the same conversation.
var deleteLocks sync.Map

// ListChats returns the caller's conversations, most recently active first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	chats, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list chats", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

// GetChat returns one conversation with its messages and image attachments.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), id, userID)
	if err != nil {
		h.logger.Error("Failed to load chat", "error", err, "user_id", userID, "chat_id", id)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), id, 0)
	if err != nil {
		h.logger.Error("Failed to load messages", "error", err, "user_id", userID, "chat_id", id)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	conv.Messages = messages
	if conv.Messages == nil {
		conv.Messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, conv)
}

// DeleteChat removes a conversation with its messages and attachments.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	lock, _ := deleteLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.logger.Warn("Delete already in progress", "user_id", userID, "chat_id", id)
		Error(w, http.StatusConflict, "delete_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		deleteLocks.Delete(id)
	}()

	deleted, err := h.repo.DeleteConversation(r.Context(), id, userID)
	if err != nil {
		h.logger.Error("Failed to delete chat", "error", err, "user_id", userID, "chat_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	h.logger.Info("Chat deleted", "user_id", userID, "chat_id", id)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func chatID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		Error(w, http.StatusBadRequest, "invalid chat id")
		return "", false
	}
	return id, true
}
