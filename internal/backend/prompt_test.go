package backend

import (
	"testing"

	"HealthChat/internal/session"

	"github.com/stretchr/testify/assert"
)

func TestBuildSystemPrompt(t *testing.T) {
	def := BuildSystemPrompt(session.TurnOptions{})
	assert.Contains(t, def, personaInstructions["general"])
	assert.Contains(t, def, empathyInstructions["medium"])

	p := BuildSystemPrompt(session.TurnOptions{Persona: " Sleep ", EmpathyLevel: "HIGH"})
	assert.Contains(t, p, personaInstructions["sleep"])
	assert.Contains(t, p, empathyInstructions["high"])
	assert.NotContains(t, p, personaInstructions["general"])

	unknown := BuildSystemPrompt(session.TurnOptions{Persona: "astrologer", EmpathyLevel: "extreme"})
	assert.Equal(t, def, unknown)
}

func TestPersonasAreKnown(t *testing.T) {
	for _, name := range Personas() {
		assert.Contains(t, personaInstructions, name)
	}
	for _, level := range EmpathyLevels() {
		assert.Contains(t, empathyInstructions, level)
	}
}
