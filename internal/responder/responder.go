// Package responder produces canned health replies when the gateway is unreachable.
package responder

import "strings"

// Rule maps a set of keywords to a reply
type Rule struct {
	Keywords []string
	Reply    string
}

// DefaultReply is returned when no rule matches
const DefaultReply = "Thanks for sharing that. I can't give you a detailed answer right now, " +
	"so please keep an eye on how you feel and consider talking to a doctor or another " +
	"qualified health professional, especially if the symptoms persist or get worse."

// Responder picks a reply with a first-match-wins policy over an ordered rule list.
// Rule order is significant: the first rule with any keyword contained in the
// input wins, not the most specific one.
type Responder struct {
	rules        []Rule
	defaultReply string
}

// New creates a responder over the given rules
func New(rules []Rule, defaultReply string) *Responder {
	return &Responder{
		rules:        append([]Rule(nil), rules...),
		defaultReply: defaultReply,
	}
}

// NewDefault creates a responder with the built-in health rules
func NewDefault() *Responder {
	return New(DefaultRules(), DefaultReply)
}

// Reply returns the reply for an already lower-cased input
func (r *Responder) Reply(input string) string {
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(input, kw) {
				return rule.Reply
			}
		}
	}
	return r.defaultReply
}

// Rules returns a copy of the ordered rule list
func (r *Responder) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// DefaultRules returns the built-in rules in evaluation order
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords: []string{"headache", "migraine", "head hurts"},
			Reply: "Headaches are often linked to dehydration, poor sleep, screen time or stress. " +
				"Try drinking a glass of water, resting in a quiet, dimly lit room and taking a short break from screens. " +
				"If the headache is sudden and severe, comes with fever, a stiff neck or vision changes, seek medical care right away.",
		},
		{
			Keywords: []string{"fever", "temperature", "chills"},
			Reply: "A fever is usually your body fighting an infection. Rest, drink plenty of fluids and check your temperature regularly. " +
				"Contact a doctor if it goes above 39.4°C (103°F), lasts more than three days, or comes with a rash or difficulty breathing.",
		},
		{
			Keywords: []string{"cough", "sore throat", "cold", "flu"},
			Reply: "For coughs and colds, warm fluids, honey in tea, rest and humid air can help. " +
				"See a doctor if you have trouble breathing, cough up blood, or the symptoms last longer than two weeks.",
		},
		{
			Keywords: []string{"sleep", "insomnia", "tired at night", "can't fall asleep"},
			Reply: "Good sleep starts with a steady routine: go to bed and wake up at the same time, keep the bedroom cool and dark, " +
				"and avoid caffeine after midday and screens in the last hour before bed. Your sleep chart can help you spot patterns.",
		},
		{
			Keywords: []string{"stress", "anxiety", "anxious", "overwhelmed", "panic"},
			Reply: "It sounds like you're carrying a lot right now. Try slow breathing: in for 4 seconds, hold for 4, out for 6, for a few minutes. " +
				"A short walk or writing down what's on your mind can also help. If these feelings are constant, a mental health professional can support you.",
		},
		{
			Keywords: []string{"stomach", "nausea", "nauseous", "diarrhea", "vomit"},
			Reply: "For an upset stomach, sip water or an oral rehydration drink, eat small bland meals and rest. " +
				"Seek care if you can't keep fluids down, see blood, or the pain is severe or lasts more than a couple of days.",
		},
		{
			Keywords: []string{"blood pressure", "hypertension"},
			Reply: "Blood pressure is best read when you've been sitting calmly for five minutes, at the same time each day. " +
				"Less salt, regular activity and limiting alcohol help keep it in range. Share your readings with your doctor if they stay above 130/80.",
		},
		{
			Keywords: []string{"heart rate", "pulse", "palpitation"},
			Reply: "A resting heart rate between 60 and 100 beats per minute is typical for adults, and lower is common in fit people. " +
				"If you notice a racing or irregular heartbeat with dizziness, chest pain or shortness of breath, get medical help immediately.",
		},
		{
			Keywords: []string{"tired", "fatigue", "exhausted", "no energy"},
			Reply: "Ongoing tiredness can come from short sleep, stress, low iron or not eating regularly. " +
				"Check your sleep and activity trends for the past week. If fatigue lasts more than a few weeks, ask your doctor about a blood test.",
		},
		{
			Keywords: []string{"diet", "nutrition", "eat", "food", "weight"},
			Reply: "A balanced plate is roughly half vegetables and fruit, a quarter protein and a quarter whole grains. " +
				"Regular meals, enough water and fewer ultra-processed foods make a big difference over time.",
		},
		{
			Keywords: []string{"exercise", "workout", "running", "steps", "training"},
			Reply: "Aim for about 150 minutes of moderate activity a week plus two days of strength work. " +
				"Start gently, warm up, and increase intensity gradually. Stop and rest if you feel pain, dizziness or chest discomfort.",
		},
		{
			Keywords: []string{"hello", "hey", "good morning", "good evening"},
			Reply: "Hello! I'm your health assistant. Tell me how you're feeling or ask about your vitals, sleep, nutrition or activity.",
		},
	}
}
