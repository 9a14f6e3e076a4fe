// Package store holds the record stores conversations are mirrored into.
// The conversation manager only ever uses them best-effort.
package store

import (
	"context"
	"errors"

	"HealthChat/internal/session"
)

// ErrConversationNotFound is returned when a conversation id is unknown
var ErrConversationNotFound = errors.New("conversation not found")

// Store is the persistence collaborator: two independent insert operations
type Store interface {
	CreateConversation(ctx context.Context, userID string) (string, error)
	CreateMessage(ctx context.Context, conversationID, userID string, msg session.Message) error
}

// History reads a stored conversation back, for tooling outside the chat flow
type History interface {
	ListMessages(ctx context.Context, conversationID string) ([]session.Message, error)
}

// Backend names accepted by Open
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendNone     = "none"
)
