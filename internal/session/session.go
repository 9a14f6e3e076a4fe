package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message in the visible log
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSystem is only ever synthesized for the gateway request and never
	// stored in a conversation log.
	RoleSystem Role = "system"
)

// Message represents a single chat message
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh client-side identifier
func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}

// TurnOptions modifies the behavior of a single SendMessage call.
// It never becomes part of the conversation state.
type TurnOptions struct {
	Persona      string `json:"persona,omitempty"`
	EmpathyLevel string `json:"empathyLevel,omitempty"`
	UseAlternate bool   `json:"useAlternate,omitempty"` // proof-of-concept endpoint
	Persist      bool   `json:"persist,omitempty"`
}

// Phase is the position of the current turn in its state machine:
// Idle -> UserMessageAppended -> {StreamingAssistant | SimulatingAssistant} -> Idle
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseUserMessageAppended Phase = "user_message_appended"
	PhaseStreamingAssistant  Phase = "streaming_assistant"
	PhaseSimulatingAssistant Phase = "simulating_assistant"
)

// Snapshot is a copy of the observable conversation state
type Snapshot struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
	Loading        bool      `json:"loading"`
	Phase          Phase     `json:"phase"`
	Generation     uint64    `json:"generation"`
}

// Last returns the most recent message, if any
func (s Snapshot) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}
