package domain

import (
	"time"
)

// Conversation is an ordered log of messages owned by exactly one user.
// Name is empty until the first completed turn names it.
type Conversation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Messages  []*Message `json:"messages,omitempty"`
}

// IsUnnamed reports whether the conversation still needs a name.
func (c *Conversation) IsUnnamed() bool {
	return c.Name == ""
}

// OwnedBy reports whether userID owns the conversation.
func (c *Conversation) OwnedBy(userID string) bool {
	return c.UserID == userID
}
