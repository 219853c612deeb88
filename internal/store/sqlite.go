package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/shared"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetry}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT,
		system_prompt TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		context_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);

	CREATE TABLE IF NOT EXISTS message_images (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		prompt TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_message_images_message ON message_images(message_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op string, fn func() error) error {
	return shared.Retry(ctx, s.retry, op, shared.IsSQLiteConflictError, fn)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, email, system_prompt, created_at, updated_at FROM users WHERE user_id = ?`, userID)

	var user domain.User
	var email sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.Username, &email, &user.SystemPrompt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Email = email.String
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	query := `
	INSERT INTO users (user_id, username, email, system_prompt, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		email = excluded.email,
		updated_at = excluded.updated_at`

	return s.exec(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, nullable(user.Email), user.SystemPrompt,
			user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// DeleteUser removes a user with their conversations, messages and images.
func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	var deleted bool
	err := s.exec(ctx, "delete user", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete user: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM message_images WHERE message_id IN (
				SELECT m.id FROM messages m JOIN chats c ON c.id = m.chat_id WHERE c.user_id = ?)`, userID); err != nil {
			return fmt.Errorf("delete images: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE user_id = ?)`, userID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete user: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// SetSystemPrompt stores the user's persona override.
func (s *SQLiteStore) SetSystemPrompt(ctx context.Context, userID, prompt string) (bool, error) {
	var updated bool
	err := s.exec(ctx, "set system prompt", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE users SET system_prompt = ?, updated_at = ? WHERE user_id = ?`,
			prompt, time.Now().UnixMilli(), userID)
		if err != nil {
			return fmt.Errorf("update system prompt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		updated = n > 0
		return nil
	})
	return updated, err
}

// CreateConversation creates an unnamed conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	now := time.Now()
	conv := &domain.Conversation{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}

	err := s.exec(ctx, "create conversation", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chats (id, user_id, name, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
			conv.ID, conv.UserID, now.UnixMilli(), now.UnixMilli())
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
func (s *SQLiteStore) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?`, id, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt, updatedAt int64
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Name, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at FROM chats
		 WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	convs := []*domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes an owned conversation and everything under it.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id, userID string) (bool, error) {
	var deleted bool
	err := s.exec(ctx, "delete conversation", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			deleted = false
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_images WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`, id); err != nil {
			return fmt.Errorf("delete images: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// SetConversationName stores name only while the conversation is unnamed.
func (s *SQLiteStore) SetConversationName(ctx context.Context, id, name string) (bool, error) {
	var updated bool
	err := s.exec(ctx, "set conversation name", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE chats SET name = ?, updated_at = ? WHERE id = ? AND name = ''`,
			name, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update conversation name: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		updated = n > 0
		return nil
	})
	return updated, err
}

// AppendMessage stores a message and bumps the conversation's activity time.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	contextJSON, err := encodeContext(msg.Context)
	if err != nil {
		return err
	}

	return s.exec(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, role, content, context_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content, contextJSON, msg.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET updated_at = ? WHERE id = ?`, msg.CreatedAt.UnixMilli(), msg.ConversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}
		return nil
	})
}

// ListMessages returns the most recent messages oldest first, with images.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, context_json, created_at FROM (
			SELECT seq, id, chat_id, role, content, context_json, created_at
			FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []*domain.Message{}
	byID := map[string]*domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		var contextJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &contextJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAt)
		if msg.Context, err = decodeContext(contextJSON.String); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
		byID[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if err := s.loadImages(ctx, conversationID, byID); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLiteStore) loadImages(ctx context.Context, conversationID string, byID map[string]*domain.Message) error {
	if len(byID) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.message_id, i.prompt, i.url, i.created_at
		FROM message_images i JOIN messages m ON m.id = i.message_id
		WHERE m.chat_id = ? ORDER BY i.seq ASC`, conversationID)
	if err != nil {
		return fmt.Errorf("query images: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close image rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var img domain.ImageAttachment
		var createdAt int64
		if err := rows.Scan(&img.ID, &img.MessageID, &img.Prompt, &img.URL, &createdAt); err != nil {
			return fmt.Errorf("scan image row: %w", err)
		}
		img.CreatedAt = time.UnixMilli(createdAt)
		if msg, ok := byID[img.MessageID]; ok {
			msg.Images = append(msg.Images, &img)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate images: %w", err)
	}
	return nil
}

// AttachImage stores an image attachment.
func (s *SQLiteStore) AttachImage(ctx context.Context, img *domain.ImageAttachment) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}

	return s.exec(ctx, "attach image", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO message_images (id, message_id, prompt, url, created_at) VALUES (?, ?, ?, ?, ?)`,
			img.ID, img.MessageID, img.Prompt, img.URL, img.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		return nil
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeContext(c *domain.MessageContext) (any, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode message context: %w", err)
	}
	return string(data), nil
}

func decodeContext(raw string) (*domain.MessageContext, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var c domain.MessageContext
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode message context: %w", err)
	}
	return &c, nil
}
