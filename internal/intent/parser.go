package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/korvo-chat/backend/internal/llm"
)

// Intent is the structured interpretation of one user utterance.
type Intent struct {
	Action             string         `json:"action"`
	Parameters         map[string]any `json:"parameters"`
	Confidence         float64        `json:"confidence"`
	MissingSlots       []string       `json:"missing_slots,omitempty"`
	ClarifyingQuestion string         `json:"clarifying_question,omitempty"`
	RawQuery           string         `json:"raw_query"`
}

// Ready reports whether the intent can be dispatched without more input.
func (i Intent) Ready() bool { return len(i.MissingSlots) == 0 }

// Input carries the utterance plus optional parsing context.
type Input struct {
	Text           string
	UserID         string
	RoomID         int64
	History        []string
	ExpectedAction string
	ExpectedSlots  []string
}

// ruleFallbackCeiling is the confidence at or below which the deterministic
// email extractor gets a chance to override the model.
const ruleFallbackCeiling = 0.45

// Parser extracts intents via the LLM with deterministic post-processing.
type Parser struct {
	llm llm.Client
	log *slog.Logger
}

func NewParser(client llm.Client, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{llm: client, log: log}
}

func systemPrompt() string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You convert a chat message into a JSON object ")
	b.WriteString(`{"action": string, "parameters": object, "confidence": number}. `)
	b.WriteString("Supported actions and their required parameters:\n")
	for _, name := range names {
		spec := registry[name]
		b.WriteString("- " + name)
		if len(spec.Required) > 0 {
			b.WriteString(": " + strings.Join(spec.Required, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Use general_chat when the message is not a command. ")
	b.WriteString("confidence is between 0 and 1. Only include parameters explicitly present in the message. Respond with JSON only.")
	return b.String()
}

// Parse interprets one utterance. It never returns an error for model
// misbehavior: unusable output degrades to general_chat with confidence 0.
func (p *Parser) Parse(ctx context.Context, in Input) Intent {
	user := buildUserPrompt(in)

	var raw rawIntent
	if p.llm != nil {
		out, err := p.llm.CompleteJSON(ctx, systemPrompt(), user)
		if err != nil {
			p.log.Warn("intent parse LLM call failed", "error", err, "user", in.UserID)
		} else {
			raw = decodeRaw(out, p.log)
		}
	}

	it := normalize(raw, in.Text)

	// Deterministic email extraction when the model is unsure.
	if it.Action == GeneralChat || it.Confidence <= ruleFallbackCeiling {
		if fb, ok := emailFallback(in.Text); ok {
			it = fb
		}
	}

	finalize(&it)
	return it
}

func buildUserPrompt(in Input) string {
	var b strings.Builder
	if len(in.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, h := range in.History {
			b.WriteString(h + "\n")
		}
		b.WriteString("\n")
	}
	if in.ExpectedAction != "" {
		fmt.Fprintf(&b, "The user is answering a follow-up for action %q", in.ExpectedAction)
		if len(in.ExpectedSlots) > 0 {
			fmt.Fprintf(&b, " (missing: %s)", strings.Join(in.ExpectedSlots, ", "))
		}
		b.WriteString(".\n")
	}
	b.WriteString("Message: " + in.Text)
	return b.String()
}

type rawIntent struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
}

// decodeRaw extracts a JSON object from model output, tolerating fenced
// markdown, leading prose, trailing junk, and near-JSON via repair.
func decodeRaw(out string, log *slog.Logger) rawIntent {
	var raw rawIntent
	body := extractJSON(out)
	if body == "" {
		return raw
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil || json.Unmarshal([]byte(repaired), &raw) != nil {
			log.Warn("intent JSON unrecoverable", "error", err)
			return rawIntent{}
		}
	}
	return raw
}

// extractJSON returns the outermost {...} span of s, stripping code fences.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// normalize applies alias mapping, unknown-action coercion, confidence
// clamping, and numeric parameter coercion.
func normalize(raw rawIntent, query string) Intent {
	action := CanonicalAction(strings.ToLower(strings.TrimSpace(raw.Action)))
	conf := raw.Confidence
	params := raw.Parameters
	if params == nil {
		params = map[string]any{}
	}

	spec, known := registry[action]
	if !known {
		action = GeneralChat
		spec = registry[GeneralChat]
		conf *= 0.5
	}

	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}

	for _, name := range spec.Numeric {
		if v, ok := params[name]; ok {
			params[name] = CoerceNumeric(v)
		}
	}

	return Intent{Action: action, Parameters: params, Confidence: conf, RawQuery: query}
}

// CoerceNumeric converts numeric-looking strings to float64, leaving
// everything else untouched.
func CoerceNumeric(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if n, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return n
	}
	return v
}

// finalize computes missing slots and the clarifying question.
func finalize(it *Intent) {
	spec := registry[it.Action]
	it.MissingSlots = MissingSlots(spec, it.Parameters)
	if len(it.MissingSlots) > 0 {
		it.ClarifyingQuestion = SlotPrompt(it.MissingSlots[0])
	} else {
		it.ClarifyingQuestion = ""
	}
}

var (
	emailAddrRe  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	quotedSpanRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
)

// bodyMarkers introduce the message body in commands like
// "email bob@x.com saying we're on".
var bodyMarkers = []string{"saying", "message", "body"}

// emailFallback is the rule-based extractor for send_email. It fires only
// when the text contains an email address and an email-ish verb.
func emailFallback(text string) (Intent, bool) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "email") && !strings.Contains(lower, "mail ") {
		return Intent{}, false
	}
	addr := emailAddrRe.FindString(text)
	if addr == "" {
		return Intent{}, false
	}

	params := map[string]any{"to": addr}

	if subj := extractAfterMarker(text, "subject:"); subj != "" {
		// The body marker, when present, ends the subject span.
		lower := strings.ToLower(subj)
		for _, marker := range bodyMarkers {
			if j := strings.Index(lower, " "+marker+" "); j >= 0 {
				subj = strings.TrimSpace(subj[:j])
				lower = strings.ToLower(subj)
			}
		}
		params["subject"] = subj
	}

	body := ""
	for _, marker := range bodyMarkers {
		if body = extractAfterMarker(text, marker+" "); body != "" {
			break
		}
	}
	if body == "" {
		if m := quotedSpanRe.FindStringSubmatch(text); m != nil {
			if m[1] != "" {
				body = m[1]
			} else {
				body = m[2]
			}
		}
	}
	if body != "" {
		params["text"] = body
	}

	// Capped at the fallback ceiling: a rule-extracted email is asked to
	// confirm rather than auto-executed.
	return Intent{Action: "send_email", Parameters: params, Confidence: ruleFallbackCeiling, RawQuery: text}, true
}

// extractAfterMarker returns the text following the first case-insensitive
// occurrence of marker, cut at the next marker-like boundary.
func extractAfterMarker(text, marker string) string {
	lower := strings.ToLower(text)
	i := strings.Index(lower, strings.ToLower(marker))
	if i < 0 {
		return ""
	}
	rest := text[i+len(marker):]
	// A later "subject:" belongs to its own slot, not the body.
	if j := strings.Index(strings.ToLower(rest), "subject:"); j >= 0 {
		rest = rest[:j]
	}
	return strings.Trim(strings.TrimSpace(rest), `"'`)
}
