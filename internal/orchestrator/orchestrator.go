// Package orchestrator drives the assistant pipeline behind an "@assistant"
// mention: nudge dismissal, rate limiting, intent parsing, slot filling,
// plan verification, and dispatch to adapters or the workflow engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/dispatch"
	"github.com/korvo-chat/backend/internal/intent"
	"github.com/korvo-chat/backend/internal/llm"
	"github.com/korvo-chat/backend/internal/plan"
	"github.com/korvo-chat/backend/internal/proactive"
	"github.com/korvo-chat/backend/internal/ratelimit"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/stream"
	"github.com/korvo-chat/backend/internal/task"
	"github.com/korvo-chat/backend/internal/workflow"
)

// autoExecuteConfidence is the parser confidence at or above which a ready
// intent runs without asking the user to confirm.
const autoExecuteConfidence = 0.7

// Deps wires the orchestrator to the rest of the service.
type Deps struct {
	Gate       *ratelimit.Gate
	Parser     *intent.Parser
	Tasks      *task.Machine
	Dispatcher *dispatch.Dispatcher
	Engine     *workflow.Engine
	Synth      *stream.Synthesizer
	Nudges     *proactive.Engine
	Store      store.Store
	LLM        llm.Client
	// Confidence overrides the auto-execute threshold; 0 means the default.
	Confidence float64
	Log        *slog.Logger
}

type Orchestrator struct {
	gate      *ratelimit.Gate
	parser    *intent.Parser
	tasks     *task.Machine
	disp      *dispatch.Dispatcher
	engine    *workflow.Engine
	syn       *stream.Synthesizer
	nudges    *proactive.Engine
	store     store.Store
	llm       llm.Client
	threshold float64
	log       *slog.Logger
}

func New(d Deps) *Orchestrator {
	if d.Confidence == 0 {
		d.Confidence = autoExecuteConfidence
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Orchestrator{
		gate:      d.Gate,
		parser:    d.Parser,
		tasks:     d.Tasks,
		disp:      d.Dispatcher,
		engine:    d.Engine,
		syn:       d.Synth,
		nudges:    d.Nudges,
		store:     d.Store,
		llm:       d.LLM,
		threshold: d.Confidence,
		log:       d.Log,
	}
}

// HandleMention runs the pipeline for one mention. It never returns an
// error: failures become an assistant message in the room.
func (o *Orchestrator) HandleMention(ctx context.Context, user string, roomID int64, text string) {
	if err := o.handle(ctx, user, roomID, text); err != nil {
		o.log.Error("mention pipeline failed", "user", user, "room", roomID, "error", err)
		o.say(ctx, roomID, chaterr.UserMessage(err))
	}
}

func (o *Orchestrator) handle(ctx context.Context, user string, roomID int64, text string) error {
	if o.nudges != nil {
		dismissed, err := o.nudges.Dismiss(ctx, user, roomID, text)
		if err != nil {
			return err
		}
		if dismissed {
			o.say(ctx, roomID, "Okay, I'll drop that suggestion.")
			return nil
		}
	}

	allowed, err := o.gate.Allow(ctx, ratelimit.ScopeOrchestration, user)
	if err != nil {
		return err
	}
	if !allowed {
		o.say(ctx, roomID, "You've hit the assistant usage limit for now. Try again later.")
		return nil
	}

	st, err := o.tasks.Get(ctx, user, roomID)
	if err != nil {
		return err
	}
	if st != nil {
		return o.continueTask(ctx, user, roomID, st, text)
	}

	if looksMultiStep(text) {
		return o.runPlan(ctx, user, roomID, text)
	}

	it := o.parser.Parse(ctx, intent.Input{Text: text, UserID: user, RoomID: roomID})
	return o.fresh(ctx, user, roomID, it)
}

// ============================================================================
// Task lifecycle
// ============================================================================

var (
	affirmRe = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|sure|ok(ay)?|confirm|go ahead|do it)\b`)
	cancelRe = regexp.MustCompile(`(?i)\b(cancel|never ?mind|forget it)\b`)
)

func (o *Orchestrator) continueTask(ctx context.Context, user string, roomID int64, st *task.State, text string) error {
	if cancelRe.MatchString(text) {
		if err := o.tasks.Clear(ctx, user, roomID); err != nil {
			return err
		}
		o.say(ctx, roomID, "Okay, cancelled.")
		return nil
	}
	if st.Status == task.StatusReady && affirmRe.MatchString(text) {
		return o.executeTask(ctx, user, roomID, st)
	}

	st, it, switched, err := o.tasks.FollowUp(ctx, user, roomID, st, text)
	if err != nil {
		return err
	}
	if switched {
		return o.fresh(ctx, user, roomID, it)
	}
	if st.Status == task.StatusAwaitingSlots {
		o.say(ctx, roomID, st.LastPrompt)
		return nil
	}
	return o.executeTask(ctx, user, roomID, st)
}

func (o *Orchestrator) fresh(ctx context.Context, user string, roomID int64, it intent.Intent) error {
	if it.Action == intent.GeneralChat {
		return o.chat(ctx, user, roomID, it.RawQuery)
	}

	st, err := o.tasks.Begin(ctx, user, roomID, it)
	if err != nil {
		return err
	}
	if st.Status == task.StatusAwaitingSlots {
		o.say(ctx, roomID, st.LastPrompt)
		return nil
	}
	if it.Confidence < o.threshold {
		o.say(ctx, roomID, fmt.Sprintf(
			"Just to confirm: you want me to %s? Reply yes and I'll go ahead.", describe(st)))
		return nil
	}
	return o.executeTask(ctx, user, roomID, st)
}

func (o *Orchestrator) executeTask(ctx context.Context, user string, roomID int64, st *task.State) error {
	spec, _ := intent.Lookup(st.Action)
	params := make(map[string]any, len(st.Parameters)+1)
	for k, v := range st.Parameters {
		params[k] = v
	}

	if spec.NeedsOption {
		rs, err := o.tasks.ResultSetFor(ctx, user, roomID, spec.ResultAction)
		if err != nil {
			return err
		}
		if rs == nil {
			o.say(ctx, roomID, intent.SlotPrompt(task.OptionContextSlot))
			return nil
		}
		item, err := pickOption(rs, params["item_id"])
		if err != nil {
			o.say(ctx, roomID, err.Error())
			return nil
		}
		params["item"] = item
	}

	res := o.disp.Execute(ctx, "", "", st.Action, params, dispatch.Context{UserID: user, RoomID: roomID})
	if !res.OK() {
		reason := res.Error
		if reason == "" {
			reason = res.Message
		}
		o.say(ctx, roomID, fmt.Sprintf("I couldn't %s: %s", describe(st), reason))
		return nil
	}

	reply := res.Message
	if spec.ProducesResults {
		if err := o.tasks.SaveResultSet(ctx, user, roomID, st.Action, res.Results, st.Parameters); err != nil {
			return err
		}
		reply = formatResults(st.Action, res.Results)
		if err := o.tasks.SaveSummary(ctx, user, roomID, reply); err != nil {
			return err
		}
	}
	if reply == "" {
		reply = "Done."
	}
	o.say(ctx, roomID, reply)

	if o.nudges != nil {
		if err := o.nudges.RecordAction(ctx, user, roomID, st.Action); err != nil {
			o.log.Warn("failed to record proactive signal", "error", err)
		}
	}
	return o.tasks.Clear(ctx, user, roomID)
}

// pickOption resolves a 1-based option number against a cached result set.
func pickOption(rs *task.ResultSet, itemID any) (map[string]any, error) {
	n, ok := asInt(itemID)
	if !ok || n < 1 || n > len(rs.Results) {
		return nil, fmt.Errorf("I have %d options from the last search. Which number would you like?", len(rs.Results))
	}
	return rs.Results[n-1], nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(t), "option"))
		n, err := strconv.Atoi(strings.TrimSpace(s))
		return n, err == nil
	}
	return 0, false
}

func describe(st *task.State) string {
	return strings.ReplaceAll(st.Action, "_", " ")
}

func formatResults(action string, results []map[string]any) string {
	if len(results) == 0 {
		return "The search came back empty. Try different dates or places."
	}
	noun := "options"
	if strings.Contains(action, "flight") {
		noun = "flights"
	} else if strings.Contains(action, "hotel") {
		noun = "hotels"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I found %d %s:\n", len(results), noun)
	for i, item := range results {
		label := firstString(item, "name", "title", "airline", "provider", "id")
		if label == "" {
			raw, _ := json.Marshal(item)
			label = string(raw)
		}
		fmt.Fprintf(&b, "%d. %s", i+1, label)
		if price, ok := item["price"].(float64); ok {
			fmt.Fprintf(&b, " (%.2f)", price)
		}
		b.WriteString("\n")
	}
	b.WriteString("Say \"book option N\" to pick one.")
	return b.String()
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ============================================================================
// General chat
// ============================================================================

const chatSystemPrompt = "You are the room's assistant in a group chat. " +
	"Answer briefly and helpfully. You can also send emails and WhatsApp " +
	"messages, search and book flights and hotels, create reminders and " +
	"invoices, and run saved workflows when asked."

func (o *Orchestrator) chat(ctx context.Context, user string, roomID int64, text string) error {
	system := chatSystemPrompt
	if rc, err := o.store.GetRoomContext(ctx, roomID); err == nil && rc != nil && rc.Summary != "" {
		system += "\n\nWhat the room has been discussing:\n" + rc.Summary
	}
	if _, err := o.syn.Respond(ctx, roomID, system, user+": "+text); err != nil {
		o.log.Warn("chat stream failed", "room", roomID, "error", err)
	}
	return nil
}

// ============================================================================
// Multi-step plans
// ============================================================================

var actionVerbRe = regexp.MustCompile(`(?i)\b(send|email|whatsapp|book|search|find|remind|withdraw|invoice)\b`)

// looksMultiStep is a cheap gate in front of the planner LLM call: the text
// chains steps ("then") or names at least two action verbs.
func looksMultiStep(text string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, " then ") {
		return true
	}
	return len(actionVerbRe.FindAllString(text, 3)) >= 2
}

func plannerPrompt() string {
	var b strings.Builder
	b.WriteString("Break the user's request into an ordered JSON plan ")
	b.WriteString(`{"steps": [{"action": string, "params": object}]}. `)
	b.WriteString("Supported actions and their parameters:\n")
	for name, spec := range intent.Actions() {
		if name == intent.GeneralChat {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)\n", name, strings.Join(spec.Required, ", "))
	}
	b.WriteString("Use the placeholder " + plan.AutoSummary +
		" where a step's text should carry a summary of earlier results. " +
		"Return JSON only.")
	return b.String()
}

func (o *Orchestrator) runPlan(ctx context.Context, user string, roomID int64, text string) error {
	out, err := o.llm.CompleteJSON(ctx, plannerPrompt(), text)
	if err != nil {
		return err
	}
	steps, ok := decodePlan(out)
	if !ok || len(steps) == 0 {
		// Planner produced nothing usable; fall back to single-intent.
		it := o.parser.Parse(ctx, intent.Input{Text: text, UserID: user, RoomID: roomID})
		return o.fresh(ctx, user, roomID, it)
	}

	verdict := plan.Verify(steps, func(action string) bool {
		rs, err := o.tasks.ResultSetFor(ctx, user, roomID, action)
		return err == nil && rs != nil
	})
	if verdict.Verdict == plan.VerdictAskUser {
		o.say(ctx, roomID, verdict.Prompt)
		return nil
	}

	def := &workflow.Definition{
		Name:     "chat plan",
		Triggers: []workflow.Trigger{{Type: workflow.TriggerManual}},
	}
	for _, s := range verdict.Steps {
		spec, _ := intent.Lookup(s.Action)
		def.Steps = append(def.Steps, workflow.Step{
			ID: s.ID, Service: spec.Service, Action: s.Action, Params: s.Params,
			OnError: workflow.OnErrorStop,
		})
	}

	sr, err := o.engine.StartAdHoc(ctx, user, roomID, def, map[string]any{"source": "chat", "text": text})
	if err != nil {
		return err
	}
	switch sr.Status {
	case workflow.StartDuplicate, workflow.StartDeferred:
		o.say(ctx, roomID, sr.Message)
	case string(store.ExecCompleted):
		o.say(ctx, roomID, fmt.Sprintf("All done. I ran %d steps.", len(def.Steps)))
		if o.nudges != nil {
			for _, s := range def.Steps {
				if err := o.nudges.RecordAction(ctx, user, roomID, s.Action); err != nil {
					o.log.Warn("failed to record proactive signal", "error", err)
				}
			}
		}
	default:
		msg := "Something in the plan failed."
		if sr.Execution != nil && sr.Execution.ErrorMessage != "" {
			msg = "Something in the plan failed: " + sr.Execution.ErrorMessage
		}
		o.say(ctx, roomID, msg)
	}
	return nil
}

func decodePlan(out string) ([]plan.Step, bool) {
	body := strings.TrimSpace(out)
	if i := strings.Index(body, "{"); i > 0 {
		body = body[i:]
	}
	if j := strings.LastIndex(body, "}"); j >= 0 {
		body = body[:j+1]
	}
	var payload struct {
		Steps []plan.Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil || json.Unmarshal([]byte(repaired), &payload) != nil {
			return nil, false
		}
	}
	return payload.Steps, true
}

// say pushes a short assistant reply through the synthesizer so it streams,
// persists, and fans out like any other assistant message.
func (o *Orchestrator) say(ctx context.Context, roomID int64, text string) {
	if text == "" {
		return
	}
	if _, err := o.syn.Announce(ctx, roomID, text); err != nil {
		o.log.Error("failed to announce assistant reply", "room", roomID, "error", err)
	}
}
