package backend

import (
	"strings"

	"HealthChat/internal/session"
)

const baseSystemPrompt = `You are a health assistant inside a personal wellness dashboard.
You help the user understand symptoms, vitals and everyday habits.
You are NOT a doctor and you never give a diagnosis or prescribe medication.
Answer in the same language as the user, in short paragraphs or bullet points.
If the user describes chest pain, trouble breathing, fainting or thoughts of self-harm,
tell them to contact local emergency services right away.`

var personaInstructions = map[string]string{
	"general":      "Persona: general health guide. Balance information with practical next steps.",
	"nutritionist": "Persona: nutrition coach. Focus on meals, hydration and realistic eating habits.",
	"fitness":      "Persona: fitness coach. Focus on movement, recovery and safe progression.",
	"sleep":        "Persona: sleep coach. Focus on sleep hygiene, routines and rest.",
	"mindfulness":  "Persona: mindfulness guide. Focus on stress, breathing and emotional balance.",
}

var empathyInstructions = map[string]string{
	"low":    "Tone: concise and factual.",
	"medium": "Tone: warm but to the point.",
	"high":   "Tone: very gentle and validating. Acknowledge feelings before giving information.",
}

// BuildSystemPrompt synthesizes the system message for a turn.
// Unknown personas and empathy levels fall back to "general" and "medium".
func BuildSystemPrompt(opts session.TurnOptions) string {
	persona, ok := personaInstructions[normalize(opts.Persona)]
	if !ok {
		persona = personaInstructions["general"]
	}
	empathy, ok := empathyInstructions[normalize(opts.EmpathyLevel)]
	if !ok {
		empathy = empathyInstructions["medium"]
	}

	return baseSystemPrompt + "\n\n" + persona + "\n" + empathy
}

// Personas returns the persona names recognized by BuildSystemPrompt
func Personas() []string {
	return []string{"general", "nutritionist", "fitness", "sleep", "mindfulness"}
}

// EmpathyLevels returns the empathy levels recognized by BuildSystemPrompt
func EmpathyLevels() []string {
	return []string{"low", "medium", "high"}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
