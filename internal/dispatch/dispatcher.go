// Package dispatch routes verified steps to their external-service adapters.
// It resolves templated parameters against accumulated step outputs,
// substitutes the auto-summary placeholder, and enforces withdraw policy
// before any money-moving adapter is touched.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/korvo-chat/backend/internal/adapters"
	"github.com/korvo-chat/backend/internal/intent"
	"github.com/korvo-chat/backend/internal/llm"
	"github.com/korvo-chat/backend/internal/plan"
	"github.com/korvo-chat/backend/internal/ratelimit"
)

// Policy is the safety envelope a workflow must carry when it moves money.
type Policy struct {
	AllowedPhoneNumbers []string `json:"allowed_phone_numbers"`
	MaxWithdrawAmount   float64  `json:"max_withdraw_amount"`
}

// Context is the per-run state a step executes against.
type Context struct {
	UserID      string
	RoomID      int64
	ExecutionID string
	Policy      *Policy
	// Outputs accumulates prior step results keyed by step id; template
	// paths resolve against it merged with Extra.
	Outputs map[string]adapters.Result
	// Extra holds trigger payloads and other non-step context.
	Extra map[string]any
}

// Dispatcher executes one step at a time against the adapter registry.
type Dispatcher struct {
	registry    *adapters.Registry
	llm         llm.Client
	gate        *ratelimit.Gate
	withdrawMax float64
	log         *slog.Logger
}

// New builds a dispatcher. gate may be nil, which disables the travel
// search quota check.
func New(registry *adapters.Registry, client llm.Client, gate *ratelimit.Gate, withdrawMax float64, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, llm: client, gate: gate, withdrawMax: withdrawMax, log: log}
}

// Execute runs one step. service may be empty for ad-hoc plan steps, in
// which case it is derived from the action registry.
func (d *Dispatcher) Execute(ctx context.Context, stepID, service, action string, params map[string]any, dc Context) adapters.Result {
	action = intent.CanonicalAction(action)
	spec, known := intent.Lookup(action)
	if service == "" && known {
		service = spec.Service
	}

	adapter, ok := d.registry.Lookup(service)
	if !ok {
		return adapters.PermanentError("unsupported")
	}

	// Travel searches carry an hourly per-provider quota.
	if d.gate != nil && spec.Category == "travel" && spec.ProducesResults {
		allowed, err := d.gate.AllowProvider(ctx, ratelimit.ScopeTravelSearch, dc.UserID, service)
		if err != nil {
			return adapters.Errorf("travel search quota check: " + err.Error())
		}
		if !allowed {
			d.log.Warn("travel search quota exceeded", "user", dc.UserID, "provider", service)
			return adapters.PermanentError("travel search limit reached for this provider, try again in an hour")
		}
	}

	resolved := ResolveParams(params, d.resolutionContext(dc))
	resolved = d.substituteAutoSummary(ctx, spec, resolved, dc)
	for _, name := range spec.Numeric {
		if v, ok := resolved[name]; ok {
			resolved[name] = intent.CoerceNumeric(v)
		}
	}

	if action == "withdraw_money" {
		if res, violated := d.checkWithdrawPolicy(resolved, dc.Policy); violated {
			d.log.Warn("withdraw blocked by policy",
				"user", dc.UserID, "execution", dc.ExecutionID, "error", res.Error)
			return res
		}
	}

	call := adapters.Call{
		UserID:         dc.UserID,
		RoomID:         dc.RoomID,
		IdempotencyKey: idempotencyKey(dc.ExecutionID, stepID),
	}
	return adapter.Execute(ctx, action, resolved, call)
}

// idempotencyKey dedupes replayed delivery steps: one key per
// (execution, step) pair.
func idempotencyKey(executionID, stepID string) string {
	if executionID == "" || stepID == "" {
		return ""
	}
	return executionID + ":" + stepID
}

func (d *Dispatcher) resolutionContext(dc Context) map[string]any {
	ctx := make(map[string]any, len(dc.Outputs)+len(dc.Extra)+2)
	for k, v := range dc.Extra {
		ctx[k] = v
	}
	for id, res := range dc.Outputs {
		ctx[id] = resultAsMap(res)
	}
	ctx["user_id"] = dc.UserID
	ctx["room_id"] = dc.RoomID
	return ctx
}

func resultAsMap(res adapters.Result) map[string]any {
	raw, err := json.Marshal(res)
	if err != nil {
		return map[string]any{"status": res.Status}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"status": res.Status}
	}
	return m
}

// ============================================================================
// Withdraw policy
// ============================================================================

func (d *Dispatcher) checkWithdrawPolicy(params map[string]any, policy *Policy) (adapters.Result, bool) {
	if policy == nil {
		return adapters.PermanentError("withdrawal requires a workflow policy"), true
	}

	amount, ok := asFloat(params["amount"])
	if !ok {
		return adapters.PermanentError("withdrawal amount is missing or not a number"), true
	}
	if amount <= 0 {
		return adapters.PermanentError("withdrawal amount must be positive"), true
	}
	if amount > policy.MaxWithdrawAmount {
		return adapters.PermanentError(fmt.Sprintf(
			"amount %.2f exceeds the workflow limit of %.2f", amount, policy.MaxWithdrawAmount)), true
	}
	if d.withdrawMax > 0 && amount > d.withdrawMax {
		return adapters.PermanentError(fmt.Sprintf(
			"amount %.2f exceeds the system-wide limit of %.2f", amount, d.withdrawMax)), true
	}

	phone, _ := params["phone_number"].(string)
	allowed := false
	for _, p := range policy.AllowedPhoneNumbers {
		if p == phone {
			allowed = true
			break
		}
	}
	if !allowed {
		return adapters.PermanentError(fmt.Sprintf(
			"phone number %s is not in the policy allowlist", phone)), true
	}
	return adapters.Result{}, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		coerced := intent.CoerceNumeric(t)
		f, ok := coerced.(float64)
		return f, ok
	default:
		return 0, false
	}
}

// ============================================================================
// Auto-summary
// ============================================================================

const summarySystemPrompt = "Summarize the following search results as a short bullet list for a chat message. Keep it under 8 bullets, one line each, no preamble."

// substituteAutoSummary replaces the auto-summary placeholder in a delivery
// step's body with a bullet summary of prior-step result sets.
func (d *Dispatcher) substituteAutoSummary(ctx context.Context, spec intent.ActionSpec, params map[string]any, dc Context) map[string]any {
	if spec.BodyParam == "" {
		return params
	}
	body, ok := params[spec.BodyParam].(string)
	if !ok || !strings.Contains(body, plan.AutoSummary) {
		return params
	}

	results := collectResults(dc.Outputs)
	summary := d.summarize(ctx, results)
	params[spec.BodyParam] = strings.ReplaceAll(body, plan.AutoSummary, summary)
	return params
}

func collectResults(outputs map[string]adapters.Result) []map[string]any {
	var all []map[string]any
	for _, res := range outputs {
		if res.OK() {
			all = append(all, res.Results...)
		}
	}
	return all
}

func (d *Dispatcher) summarize(ctx context.Context, results []map[string]any) string {
	if len(results) == 0 {
		return "No results were found."
	}
	if d.llm != nil {
		raw, err := json.Marshal(results)
		if err == nil {
			out, err := d.llm.Complete(ctx, summarySystemPrompt, string(raw))
			if err == nil && strings.TrimSpace(out) != "" {
				return strings.TrimSpace(out)
			}
			d.log.Warn("auto-summary LLM call failed, using formatter", "error", err)
		}
	}
	return formatResults(results)
}

// formatResults is the deterministic fallback when the LLM is unavailable.
func formatResults(results []map[string]any) string {
	lines := make([]string, 0, len(results))
	for i, item := range results {
		label := firstString(item, "name", "title", "airline", "provider", "id")
		if label == "" {
			raw, _ := json.Marshal(item)
			label = string(raw)
		}
		line := fmt.Sprintf("- %s", label)
		if price, ok := asFloat(item["price"]); ok {
			line += fmt.Sprintf(" (%.2f)", price)
		}
		lines = append(lines, line)
		if i == 7 {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
