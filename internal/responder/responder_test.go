package responder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyFirstMatchWins(t *testing.T) {
	r := NewDefault()
	rules := DefaultRules()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"headache", "i have a headache since this morning", rules[0].Reply},
		{"headache beats fever regardless of position", "fever and now a headache too", rules[0].Reply},
		{"fever", "i think i have a fever", rules[1].Reply},
		{"sleep before fatigue", "i'm tired and can't sleep", rules[3].Reply},
		{"multi word keyword", "what should my blood pressure be", rules[6].Reply},
		{"no keyword", "my elbow itches", DefaultReply},
		{"empty", "", DefaultReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Reply(tt.input))
		})
	}
}

func TestReplyIsCaseSensitiveOnNormalizedInput(t *testing.T) {
	r := NewDefault()

	// callers lower-case before matching
	assert.Equal(t, DefaultReply, r.Reply("HEADACHE"))
	assert.Equal(t, DefaultRules()[0].Reply, r.Reply("headache"))
}

func TestReorderingRulesChangesOutcome(t *testing.T) {
	a := Rule{Keywords: []string{"pain"}, Reply: "A"}
	b := Rule{Keywords: []string{"back pain"}, Reply: "B"}

	assert.Equal(t, "A", New([]Rule{a, b}, "default").Reply("lower back pain"))
	assert.Equal(t, "B", New([]Rule{b, a}, "default").Reply("lower back pain"))
}

func TestNewCopiesRules(t *testing.T) {
	rules := []Rule{{Keywords: []string{"x"}, Reply: "first"}}
	r := New(rules, "default")
	rules[0].Reply = "mutated"

	assert.Equal(t, "first", r.Reply("x"))
	assert.Len(t, r.Rules(), 1)
}

func TestEmptyKeywordNeverMatches(t *testing.T) {
	r := New([]Rule{{Keywords: []string{""}, Reply: "empty"}}, "default")
	assert.Equal(t, "default", r.Reply("anything"))
}
