package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single entry in a conversation.
type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"chat_id"`
	Role           Role               `json:"role"`
	Content        string             `json:"content"`
	Context        *MessageContext    `json:"context,omitempty"`
	Images         []*ImageAttachment `json:"images,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// MessageContext is the metadata persisted alongside a message: what the
// user asked for and what was retrieved to answer it.
type MessageContext struct {
	RetrievedChunks []Passage `json:"retrieved_chunks,omitempty"`
	Lesson          string    `json:"lesson,omitempty"`
	Expertise       int       `json:"expertise,omitempty"`
	EnableVoice     bool      `json:"enable_voice,omitempty"`
	EnableImage     bool      `json:"enable_image,omitempty"`
	Backend         string    `json:"backend,omitempty"`
	Degraded        bool      `json:"degraded,omitempty"`
}

// Passage is a retrieved knowledge snippet.
type Passage struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ImageAttachment links a generated image to the assistant message it illustrates.
type ImageAttachment struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Prompt    string    `json:"prompt"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
