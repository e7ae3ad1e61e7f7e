package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	out string
	err error
}

func (s *scriptedLLM) Complete(context.Context, string, string) (string, error) {
	return s.out, s.err
}

func (s *scriptedLLM) CompleteJSON(context.Context, string, string) (string, error) {
	return s.out, s.err
}

func (s *scriptedLLM) Stream(_ context.Context, _, _ string, onToken func(string)) (string, error) {
	if s.err == nil && onToken != nil {
		onToken(s.out)
	}
	return s.out, s.err
}

func parseWith(t *testing.T, out, text string) Intent {
	t.Helper()
	p := NewParser(&scriptedLLM{out: out}, nil)
	return p.Parse(context.Background(), Input{Text: text, UserID: "u1", RoomID: 1})
}

// ============================================================================
// JSON extraction & normalization
// ============================================================================

func TestParseCleanJSON(t *testing.T) {
	it := parseWith(t,
		`{"action":"search_flights","parameters":{"origin":"NBO","destination":"LHR","departure_date":"2026-09-01"},"confidence":0.92}`,
		"flights from nairobi to london on sept 1")
	assert.Equal(t, "search_flights", it.Action)
	assert.Empty(t, it.MissingSlots)
	assert.Empty(t, it.ClarifyingQuestion)
	assert.InDelta(t, 0.92, it.Confidence, 1e-9)
}

func TestParseFencedMarkdown(t *testing.T) {
	out := "Here you go:\n```json\n{\"action\":\"create_reminder\",\"parameters\":{\"title\":\"standup\",\"remind_at\":\"2026-09-01 09:00\"},\"confidence\":0.9}\n```\nhope that helps"
	it := parseWith(t, out, "remind me about standup")
	assert.Equal(t, "create_reminder", it.Action)
	assert.Empty(t, it.MissingSlots)
}

func TestParseNearJSONRepaired(t *testing.T) {
	// Trailing comma and single quotes: recoverable.
	out := `{'action': 'search_hotels', 'parameters': {'destination': 'Mombasa',}, 'confidence': 0.8}`
	it := parseWith(t, out, "find hotels in mombasa")
	assert.Equal(t, "search_hotels", it.Action)
	assert.Contains(t, it.MissingSlots, "check_in_date")
}

func TestParseGarbageDegradesToGeneralChat(t *testing.T) {
	it := parseWith(t, "I am not JSON at all", "hello there")
	assert.Equal(t, GeneralChat, it.Action)
	assert.Zero(t, it.Confidence)
	assert.Empty(t, it.MissingSlots)
}

func TestObsoleteActionAliased(t *testing.T) {
	it := parseWith(t,
		`{"action":"send_message","parameters":{"phone_number":"+254711000111","message":"hey"},"confidence":0.9}`,
		"whatsapp them hey")
	assert.Equal(t, "send_whatsapp", it.Action)
}

func TestUnknownActionCoercedWithHalvedConfidence(t *testing.T) {
	it := parseWith(t, `{"action":"launch_rocket","parameters":{},"confidence":0.9}`, "launch the rocket")
	assert.Equal(t, GeneralChat, it.Action)
	assert.InDelta(t, 0.45, it.Confidence, 1e-9)
}

func TestConfidenceClamped(t *testing.T) {
	it := parseWith(t, `{"action":"general_chat","parameters":{},"confidence":3.2}`, "hi")
	assert.Equal(t, 1.0, it.Confidence)

	it = parseWith(t, `{"action":"general_chat","parameters":{},"confidence":-0.4}`, "hi")
	assert.Equal(t, 0.0, it.Confidence)
}

func TestNumericParameterCoercion(t *testing.T) {
	it := parseWith(t,
		`{"action":"withdraw_money","parameters":{"phone_number":"+254711000111","amount":"1,500"},"confidence":0.95}`,
		"withdraw 1500")
	assert.Equal(t, 1500.0, it.Parameters["amount"])
}

// ============================================================================
// Missing slots & clarifying prompts
// ============================================================================

func TestMissingSlotsProduceCannedPrompt(t *testing.T) {
	it := parseWith(t,
		`{"action":"search_flights","parameters":{"origin":"NBO","destination":"LHR"},"confidence":0.9}`,
		"flights nairobi to london")
	require.Equal(t, []string{"departure_date"}, it.MissingSlots)
	assert.Equal(t, "What departure date should I use? (YYYY-MM-DD)", it.ClarifyingQuestion)
}

func TestEmptyStringCountsAsMissing(t *testing.T) {
	spec, ok := Lookup("send_email")
	require.True(t, ok)
	missing := MissingSlots(spec, map[string]any{"to": "a@b.com", "subject": "", "text": "hi"})
	assert.Equal(t, []string{"subject"}, missing)
}

// ============================================================================
// Rule-based email fallback
// ============================================================================

func TestEmailFallbackOnLowConfidence(t *testing.T) {
	it := parseWith(t,
		`{"action":"general_chat","parameters":{},"confidence":0.2}`,
		"email alex@example.com saying ready")
	assert.Equal(t, "send_email", it.Action)
	assert.Equal(t, "alex@example.com", it.Parameters["to"])
	assert.Equal(t, "ready", it.Parameters["text"])
	require.Equal(t, []string{"subject"}, it.MissingSlots)
	assert.NotEmpty(t, it.ClarifyingQuestion)
}

func TestEmailFallbackAtExactCeiling(t *testing.T) {
	it := parseWith(t,
		`{"action":"send_email","parameters":{},"confidence":0.45}`,
		"email alex@example.com subject: Plans saying see you at 6")
	assert.Equal(t, "send_email", it.Action)
	assert.Equal(t, "Plans", it.Parameters["subject"])
	assert.Equal(t, "see you at 6", it.Parameters["text"])
	assert.Empty(t, it.MissingSlots)
}

func TestEmailFallbackConfidenceStaysAtCeiling(t *testing.T) {
	// A rule-extracted email must score low enough that the pipeline asks
	// for confirmation instead of dispatching straight away.
	it := parseWith(t,
		`{"action":"general_chat","parameters":{},"confidence":0.2}`,
		"email alex@example.com subject: Plans saying see you at 6")
	assert.Equal(t, "send_email", it.Action)
	assert.Empty(t, it.MissingSlots)
	assert.InDelta(t, ruleFallbackCeiling, it.Confidence, 1e-9)
}

func TestEmailFallbackQuotedBody(t *testing.T) {
	it := parseWith(t,
		`{"action":"general_chat","parameters":{},"confidence":0.1}`,
		`email alex@example.com "running ten minutes late"`)
	assert.Equal(t, "send_email", it.Action)
	assert.Equal(t, "running ten minutes late", it.Parameters["text"])
}

func TestNoFallbackWithoutAddress(t *testing.T) {
	it := parseWith(t,
		`{"action":"general_chat","parameters":{},"confidence":0.1}`,
		"email the whole team about the launch")
	assert.Equal(t, GeneralChat, it.Action)
}

func TestHighConfidenceSkipsFallback(t *testing.T) {
	it := parseWith(t,
		`{"action":"search_flights","parameters":{"origin":"NBO","destination":"LHR","departure_date":"2026-09-01"},"confidence":0.9}`,
		"flights, also email alex@example.com saying hi")
	assert.Equal(t, "search_flights", it.Action)
}

func TestLLMFailureDegradesGracefully(t *testing.T) {
	p := NewParser(&scriptedLLM{err: assert.AnError}, nil)
	it := p.Parse(context.Background(), Input{Text: "hello"})
	assert.Equal(t, GeneralChat, it.Action)
}
