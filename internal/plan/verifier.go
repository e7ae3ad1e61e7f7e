// Package plan performs deterministic fixups on ad-hoc multi-step plans
// before execution: id normalization, parameter alias rewriting, numeric
// coercion, reordering, and missing-slot detection. Verification is
// idempotent: a verified plan passes through unchanged.
package plan

import (
	"fmt"
	"strings"

	"github.com/korvo-chat/backend/internal/intent"
)

// AutoSummary is the placeholder a delivery step carries when its body
// should be synthesized from prior-step results at dispatch time.
const AutoSummary = "{{auto_summary}}"

// Step is one unit of an ad-hoc plan.
type Step struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// Verdict is the verifier's decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictAskUser Verdict = "ask_user"
)

// Result carries the verdict and the (possibly rewritten) steps. Prompt is
// the clarifying question when the verdict is ask_user.
type Result struct {
	Verdict Verdict
	Steps   []Step
	Prompt  string
}

// paramAliases rewrites common synonyms onto canonical parameter names.
var paramAliases = map[string]map[string]string{
	"send_email":    {"body": "text", "message": "text", "recipient": "to", "email": "to"},
	"send_whatsapp": {"text": "message", "phone": "phone_number"},
}

// deliveryActions are the steps that ship content to a person and so must
// run after the steps whose results they may reference.
var deliveryActions = map[string]bool{
	"send_email":    true,
	"send_whatsapp": true,
}

// resultWords in a delivery step's string params signal a dependency on
// earlier result sets.
var resultWords = []string{"results", "summary", "options", "details"}

// Verify rewrites and validates a plan. hasResults reports whether a cached
// result set exists for a search action; it may be nil.
func Verify(steps []Step, hasResults func(action string) bool) Result {
	out := make([]Step, len(steps))
	copy(out, steps)

	for i := range out {
		out[i].Action = intent.CanonicalAction(out[i].Action)
		if out[i].Params == nil {
			out[i].Params = map[string]any{}
		}
	}

	normalizeIDs(out)
	rewriteAliases(out)
	coerceNumerics(out)
	out = reorder(out)

	if prompt := missingParamPrompt(out); prompt != "" {
		return Result{Verdict: VerdictAskUser, Steps: out, Prompt: prompt}
	}
	if prompt := optionContextPrompt(out, hasResults); prompt != "" {
		return Result{Verdict: VerdictAskUser, Steps: out, Prompt: prompt}
	}
	return Result{Verdict: VerdictApprove, Steps: out}
}

// normalizeIDs gives every step a unique id of the form step_N, never
// reassigning ids that already exist.
func normalizeIDs(steps []Step) {
	taken := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID != "" {
			taken[s.ID] = true
		}
	}
	next := 1
	for i := range steps {
		if steps[i].ID != "" {
			continue
		}
		for {
			candidate := fmt.Sprintf("step_%d", next)
			next++
			if !taken[candidate] {
				steps[i].ID = candidate
				taken[candidate] = true
				break
			}
		}
	}
}

func rewriteAliases(steps []Step) {
	for i := range steps {
		aliases, ok := paramAliases[steps[i].Action]
		if !ok {
			continue
		}
		for from, to := range aliases {
			v, present := steps[i].Params[from]
			if !present {
				continue
			}
			if _, taken := steps[i].Params[to]; !taken {
				steps[i].Params[to] = v
			}
			delete(steps[i].Params, from)
		}
	}
}

func coerceNumerics(steps []Step) {
	for i := range steps {
		spec, ok := intent.Lookup(steps[i].Action)
		if !ok {
			continue
		}
		for _, name := range spec.Numeric {
			if v, present := steps[i].Params[name]; present {
				steps[i].Params[name] = intent.CoerceNumeric(v)
			}
		}
	}
}

// reorder applies the two ordering rules: search before an id-less booking,
// and result-referencing delivery steps last.
func reorder(steps []Step) []Step {
	for i := range steps {
		if !strings.HasPrefix(steps[i].Action, "book_") {
			continue
		}
		if _, hasID := steps[i].Params["item_id"]; hasID {
			continue
		}
		for j := i + 1; j < len(steps); j++ {
			if strings.HasPrefix(steps[j].Action, "search_") {
				steps[i], steps[j] = steps[j], steps[i]
				break
			}
		}
	}

	var kept, deferred []Step
	for _, s := range steps {
		if deliveryActions[s.Action] && referencesResults(s) {
			deferred = append(deferred, s)
		} else {
			kept = append(kept, s)
		}
	}
	return append(kept, deferred...)
}

func referencesResults(s Step) bool {
	for _, v := range s.Params {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(str, AutoSummary) {
			return true
		}
		lower := strings.ToLower(str)
		for _, w := range resultWords {
			if strings.Contains(lower, w) {
				return true
			}
		}
	}
	return false
}

func missingParamPrompt(steps []Step) string {
	for _, s := range steps {
		spec, ok := intent.Lookup(s.Action)
		if !ok {
			continue
		}
		if missing := intent.MissingSlots(spec, s.Params); len(missing) > 0 {
			return intent.SlotPrompt(missing[0])
		}
	}
	return ""
}

// optionContextPrompt flags booking steps that have neither an in-plan
// search nor a cached result set to resolve their option id against.
func optionContextPrompt(steps []Step, hasResults func(action string) bool) string {
	for i, s := range steps {
		spec, ok := intent.Lookup(s.Action)
		if !ok || !spec.NeedsOption {
			continue
		}
		inPlan := false
		for j := 0; j < i; j++ {
			if steps[j].Action == spec.ResultAction {
				inPlan = true
				break
			}
		}
		if inPlan {
			continue
		}
		if hasResults != nil && hasResults(spec.ResultAction) {
			continue
		}
		return intent.SlotPrompt("option_context")
	}
	return ""
}
