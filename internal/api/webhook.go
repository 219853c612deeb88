package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/loomlock/companion/internal/identity"
)

// Clerk user lifecycle events handled by ClerkWebhook.
const (
	clerkUserCreated = "user.created"
	clerkUserUpdated = "user.updated"
	clerkUserDeleted = "user.deleted"
)

const maxWebhookBodySize = 1 << 20

type clerkEvent struct {
	Type string         `json:"type"`
	Data clerkEventUser `json:"data"`
}

type clerkEventUser struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (u clerkEventUser) claims() *identity.Claims {
	c := &identity.Claims{Subject: u.ID, Username: u.Username}
	if c.Username == "" {
		c.Username = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	if len(u.EmailAddresses) > 0 {
		c.Email = u.EmailAddresses[0].EmailAddress
	}
	return c
}

// EnableClerkWebhook turns on POST /api/webhooks/clerk, verified with the
// "whsec_" signing secret from the Clerk dashboard.
func (h *Handler) EnableClerkWebhook(secret string) error {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return fmt.Errorf("clerk webhook secret: %w", err)
	}
	h.webhook = wh
	return nil
}

// ClerkWebhook syncs users from Clerk. Created and updated users are
// upserted; deleted users are removed with their conversations. Other
// event types are acknowledged and ignored.
func (h *Handler) ClerkWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("svix-id") == "" || r.Header.Get("svix-timestamp") == "" || r.Header.Get("svix-signature") == "" {
		Error(w, http.StatusBadRequest, "missing svix headers")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.webhook.Verify(body, r.Header); err != nil {
		h.logger.Warn("Clerk webhook rejected", "svix_id", r.Header.Get("svix-id"), "error", err)
		Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var evt clerkEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		Error(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	logger := h.logger.With("event", evt.Type, "user_id", evt.Data.ID)

	switch evt.Type {
	case clerkUserCreated, clerkUserUpdated:
		if evt.Data.ID == "" {
			Error(w, http.StatusBadRequest, "event has no user id")
			return
		}
		if err := h.repo.UpsertUser(r.Context(), identity.UserFromClaims(evt.Data.claims())); err != nil {
			logger.Error("Failed to sync user", "error", err)
			Error(w, http.StatusInternalServerError, "failed to sync user")
			return
		}
		logger.Info("User synced from Clerk")
	case clerkUserDeleted:
		if evt.Data.ID == "" {
			Error(w, http.StatusBadRequest, "event has no user id")
			return
		}
		deleted, err := h.repo.DeleteUser(r.Context(), evt.Data.ID)
		if err != nil {
			logger.Error("Failed to delete user", "error", err)
			Error(w, http.StatusInternalServerError, "failed to delete user")
			return
		}
		logger.Info("User deleted from Clerk", "existed", deleted)
	default:
		logger.Debug("Ignoring Clerk event")
	}

	JSON(w, http.StatusOK, map[string]string{"message": "Webhook received"})
}
