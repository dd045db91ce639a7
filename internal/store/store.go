// Package store persists users, auth sessions, and conversations in
// PostgreSQL.
//
// Conversations are stored as a whole: the message list is one JSONB
// document replaced atomically on every update, so there is never a
// partially written history.
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

	"github.com/emberchat/ember/internal/log"
)

// Sentinel errors for persistence operations.
var (
	ErrNotFound     = errors.New("not found")
	ErrTokenExpired = errors.New("auth token expired")
)

// User is an authenticated account.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment is metadata about an image sent with a message. The raw
// payload is never persisted, only its shape.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
}

// StoredMessage is one turn of a persisted conversation.
type StoredMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	HasImage   bool        `json:"has_image,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Conversation is a complete persisted chat: identity plus the full
// ordered message list.
type Conversation struct {
	ID        string          `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Title     string          `json:"title"`
	Messages  []StoredMessage `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Summary is a conversation without its message list, for listings.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides persistence backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, connString string, logger log.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, username string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING id, username, created_at`,
		username,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// CreateAuthSession issues an auth token for the user, valid until expiresAt.
func (s *Store) CreateAuthSession(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_sessions (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token, userID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating auth session: %w", err)
	}
	return nil
}

// UserByToken resolves an auth token to its user. An unknown token is
// ErrNotFound; a known but expired token is ErrTokenExpired.
func (s *Store) UserByToken(ctx context.Context, token string) (User, error) {
	var (
		u         User
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.username, u.created_at, a.expires_at
		   FROM auth_sessions a
		   JOIN users u ON u.id = a.user_id
		  WHERE a.token = $1`,
		token,
	).Scan(&u.ID, &u.Username, &u.CreatedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("resolving auth token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return User{}, ErrTokenExpired
	}
	return u, nil
}

// LoadConversation returns the user's conversation with the full message
// list, or ErrNotFound. Ownership is enforced in the query: a chat ID
// belonging to another user is indistinguishable from a missing one.
func (s *Store) LoadConversation(ctx context.Context, userID uuid.UUID, chatID string) (Conversation, error) {
	var (
		c   Conversation
		raw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, messages, created_at, updated_at
		   FROM conversations
		  WHERE id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &raw, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("loading conversation: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Messages); err != nil {
		return Conversation{}, fmt.Errorf("decoding messages: %w", err)
	}
	return c, nil
}

// ReplaceConversation upserts the conversation, replacing the entire
// message list. The title is set from the first user message when empty.
func (s *Store) ReplaceConversation(ctx context.Context, userID uuid.UUID, chatID string, messages []StoredMessage) error {
	if messages == nil {
		messages = []StoredMessage{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}

	title := ""
	for _, m := range messages {
		if m.Role == "user" && m.Content != "" {
			title = truncateTitle(m.Content)
			break
		}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, messages, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE
		    SET messages = EXCLUDED.messages,
		        title = CASE WHEN conversations.title = '' THEN EXCLUDED.title ELSE conversations.title END,
		        updated_at = now()
		  WHERE conversations.user_id = $2`,
		chatID, userID, title, raw,
	)
	if err != nil {
		return fmt.Errorf("replacing conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Conflict row belongs to another user.
		return ErrNotFound
	}
	return nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID) ([]Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, updated_at
		   FROM conversations
		  WHERE user_id = $1
		  ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Title, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes the user's conversation. Missing is ErrNotFound.
func (s *Store) DeleteConversation(ctx context.Context, userID uuid.UUID, chatID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// truncateTitle derives a short title from message content.
func truncateTitle(content string) string {
	const maxLen = 60
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen]) + "…"
}
