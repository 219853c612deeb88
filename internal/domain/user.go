// Package domain contains core domain types for the companion service.
package domain

import (
	"time"
)

// User represents an authenticated account that owns conversations.
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	// SystemPrompt replaces the default persona when set.
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayName returns the username, falling back to the user ID.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.UserID
}
