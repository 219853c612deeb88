package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/loomlock/companion/internal/identity"
	"github.com/loomlock/companion/internal/prompts"
)

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":       user.UserID,
		"username":      user.DisplayName(),
		"email":         user.Email,
		"system_prompt": user.SystemPrompt,
	})
}

// SystemPromptRequest is the body of PUT /api/me/system-prompt.
type SystemPromptRequest struct {
	SystemPrompt string `json:"system_prompt"`
}

// SetSystemPrompt stores the user's persona override. An empty prompt
// restores the default persona.
func (h *Handler) SetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.sse.MaxRequestBodySize)
	var req SystemPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if utf8.RuneCountInString(req.SystemPrompt) > prompts.MaxCustomPersona {
		Error(w, http.StatusBadRequest, fmt.Sprintf("system_prompt must be at most %d characters", prompts.MaxCustomPersona))
		return
	}

	ok, err := h.repo.SetSystemPrompt(r.Context(), userID, req.SystemPrompt)
	if err != nil {
		h.logger.Error("Failed to set system prompt", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save system prompt")
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "user not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"system_prompt": req.SystemPrompt})
}

// GetConfig returns the server capabilities for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.features)
}
