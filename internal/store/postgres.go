package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"HealthChat/internal/session"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT,
	role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at);`

// PostgresStore persists conversations in a hosted Postgres database
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and makes sure the tables exist
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID string) (string, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		"INSERT INTO conversations (id, user_id, created_at) VALUES ($1, $2, $3)",
		id, userID, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id.String(), nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, conversationID, userID string, msg session.Message) error {
	id, err := parseConversationID(conversationID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO messages (id, conversation_id, user_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		msg.ID, id, userID, string(msg.Role), msg.Content, msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// parseConversationID maps ids that cannot be UUIDs to ErrConversationNotFound
func parseConversationID(conversationID string) (uuid.UUID, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return uuid.Nil, ErrConversationNotFound
	}
	return id, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]session.Message, error) {
	id, err := parseConversationID(conversationID)
	if err != nil {
		return nil, err
	}

	var one int
	err = s.pool.QueryRow(ctx, "SELECT 1 FROM conversations WHERE id = $1", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id::text, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = session.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ History = (*PostgresStore)(nil)
)
