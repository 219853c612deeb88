package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/shared"
)

var _ Repository = (*PostgresStore)(nil)

// PostgresStore implements Repository on a pgx connection pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	retry shared.RetryPolicy
}

// NewPostgres migrates the schema and opens a pool.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := RunMigrations(databaseURL, Migrations()); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool, retry: shared.DefaultRetry}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, op string, fn func() error) error {
	return shared.Retry(ctx, s.retry, op, shared.IsPostgresConflictError, fn)
}

// GetUser retrieves a user by their user ID.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	var email *string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, username, email, system_prompt, created_at, updated_at FROM users WHERE user_id = $1`, userID).
		Scan(&user.UserID, &user.Username, &email, &user.SystemPrompt, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	if email != nil {
		user.Email = *email
	}
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	return s.exec(ctx, "upsert user", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO users (user_id, username, email, system_prompt, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id) DO UPDATE SET
				username = EXCLUDED.username,
				email = EXCLUDED.email,
				updated_at = EXCLUDED.updated_at`,
			user.UserID, user.Username, nullable(user.Email), user.SystemPrompt, user.CreatedAt, user.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// DeleteUser removes a user; their conversations go with them and messages
// and images cascade.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	var deleted bool
	err := s.exec(ctx, "delete user", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin delete user: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `DELETE FROM chats WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit delete user: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// SetSystemPrompt stores the user's persona override.
func (s *PostgresStore) SetSystemPrompt(ctx context.Context, userID, prompt string) (bool, error) {
	var updated bool
	err := s.exec(ctx, "set system prompt", func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET system_prompt = $1, updated_at = now() WHERE user_id = $2`, prompt, userID)
		if err != nil {
			return fmt.Errorf("update system prompt: %w", err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// CreateConversation creates an unnamed conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	now := time.Now()
	conv := &domain.Conversation{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}

	err := s.exec(ctx, "create conversation", func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO chats (id, user_id, name, created_at, updated_at) VALUES ($1, $2, '', $3, $3)`,
			conv.ID, conv.UserID, now)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns an owned conversation or nil.
func (s *PostgresStore) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var conv domain.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, user_id, name, created_at, updated_at FROM chats WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&conv.ID, &conv.UserID, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id, name, created_at, updated_at FROM chats
		 WHERE user_id = $1 ORDER BY updated_at DESC, created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	convs := []*domain.Conversation{}
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes an owned conversation; messages and images cascade.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id, userID string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	var deleted bool
	err := s.exec(ctx, "delete conversation", func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1 AND user_id = $2`, id, userID)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// SetConversationName stores name only while the conversation is unnamed.
func (s *PostgresStore) SetConversationName(ctx context.Context, id, name string) (bool, error) {
	var updated bool
	err := s.exec(ctx, "set conversation name", func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE chats SET name = $1, updated_at = now() WHERE id = $2 AND name = ''`, name, id)
		if err != nil {
			return fmt.Errorf("update conversation name: %w", err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// AppendMessage stores a message and bumps the conversation's activity time.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var contextJSON []byte
	if msg.Context != nil {
		data, err := json.Marshal(msg.Context)
		if err != nil {
			return fmt.Errorf("encode message context: %w", err)
		}
		contextJSON = data
	}

	return s.exec(ctx, "append message", func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO messages (id, chat_id, role, content, context, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
				msg.ID, msg.ConversationID, string(msg.Role), msg.Content, contextJSON, msg.CreatedAt); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE chats SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, msg.ConversationID); err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
			return nil
		})
	})
}

// ListMessages returns the most recent messages oldest first, with images.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, chat_id::text, role, content, context, created_at FROM (
			SELECT seq, id, chat_id, role, content, context, created_at
			FROM messages WHERE chat_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`, conversationID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []*domain.Message{}
	byID := map[string]*domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		var contextJSON []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &contextJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		if msg.Context, err = decodeContext(string(contextJSON)); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
		byID[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if len(byID) == 0 {
		return messages, nil
	}

	imgRows, err := s.pool.Query(ctx, `
		SELECT i.id::text, i.message_id::text, i.prompt, i.url, i.created_at
		FROM message_images i JOIN messages m ON m.id = i.message_id
		WHERE m.chat_id = $1 ORDER BY i.seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer imgRows.Close()

	for imgRows.Next() {
		var img domain.ImageAttachment
		if err := imgRows.Scan(&img.ID, &img.MessageID, &img.Prompt, &img.URL, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		if msg, ok := byID[img.MessageID]; ok {
			msg.Images = append(msg.Images, &img)
		}
	}
	if err := imgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return messages, nil
}

// AttachImage stores an image attachment.
func (s *PostgresStore) AttachImage(ctx context.Context, img *domain.ImageAttachment) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}

	return s.exec(ctx, "attach image", func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO message_images (id, message_id, prompt, url, created_at) VALUES ($1, $2, $3, $4, $5)`,
			img.ID, img.MessageID, img.Prompt, img.URL, img.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		return nil
	})
}
