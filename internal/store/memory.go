package store

import (
	"context"
	"sync"

	"HealthChat/internal/session"

	"github.com/google/uuid"
)

type memoryConversation struct {
	userID   string
	messages []session.Message
}

// MemoryStore is an in-process Store. It is not persistent and is meant for
// local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*memoryConversation
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*memoryConversation),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.conversations[id] = &memoryConversation{userID: userID}
	return id, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, conversationID, _ string, msg session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.messages = append(conv.messages, msg)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]session.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return append([]session.Message(nil), conv.messages...), nil
}

// Conversations returns the number of stored conversations
func (s *MemoryStore) Conversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ History = (*MemoryStore)(nil)
)
