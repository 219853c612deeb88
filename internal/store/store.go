// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/loomlock/companion/internal/domain"
)

// UserRepository persists accounts.
type UserRepository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record. An existing system
	// prompt is left untouched.
	UpsertUser(ctx context.Context, user *domain.User) error

	// DeleteUser removes the user with all their conversations. Returns
	// false if the user did not exist.
	DeleteUser(ctx context.Context, userID string) (bool, error)

	// SetSystemPrompt stores the user's persona override; "" restores the
	// default. Returns false if the user does not exist.
	SetSystemPrompt(ctx context.Context, userID, prompt string) (bool, error)
}

// ConversationRepository persists conversations, messages and image attachments.
type ConversationRepository interface {
	// CreateConversation creates an unnamed conversation owned by userID.
	CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error)

	// GetConversation returns the conversation without messages. Returns
	// nil, nil if it does not exist or is not owned by userID.
	GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations, most recently active first.
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)

	// DeleteConversation removes the conversation with its messages and
	// attachments. Returns false if it does not exist or is not owned by userID.
	DeleteConversation(ctx context.Context, id, userID string) (bool, error)

	// SetConversationName names the conversation only if it is still
	// unnamed. Returns whether the name was stored.
	SetConversationName(ctx context.Context, id, name string) (bool, error)

	// AppendMessage stores msg, filling ID and CreatedAt when empty.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the last limit messages oldest first, with their
	// image attachments. limit <= 0 returns all messages.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)

	// AttachImage stores an image for an existing message, filling ID and CreatedAt when empty.
	AttachImage(ctx context.Context, img *domain.ImageAttachment) error
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	UserRepository
	ConversationRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
