package backend

import (
	"encoding/json"
	"strings"
)

// ChatMessage is the reduced {role, content} form sent to the gateway
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GatewayRequest represents the request body for the chat gateway
type GatewayRequest struct {
	Messages     []ChatMessage `json:"messages"`
	Persona      string        `json:"persona,omitempty"`
	EmpathyLevel string        `json:"empathyLevel,omitempty"`
	Stream       bool          `json:"stream"`
}

// gatewayEvent covers the payload shapes seen on a "data:" line: the
// OpenAI-compatible delta emitted by the gateway and a flat content field.
type gatewayEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Content string `json:"content"`
	Text    string `json:"text"`
}

// decodeEventData extracts the text carried by one event payload.
// Payloads that are not JSON are passed through as plain text.
func decodeEventData(data string) string {
	trimmed := strings.TrimSpace(data)
	if !strings.HasPrefix(trimmed, "{") {
		return data
	}

	var ev gatewayEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return data
	}

	var b strings.Builder
	for _, choice := range ev.Choices {
		b.WriteString(choice.Delta.Content)
	}
	if b.Len() > 0 {
		return b.String()
	}
	if ev.Content != "" {
		return ev.Content
	}
	return ev.Text
}
