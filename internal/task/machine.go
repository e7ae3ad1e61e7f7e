// Package task holds the per-(user, room) slot-filling state between an
// initial command and its follow-up answers. State is ephemeral: it lives in
// the shared cache with a one-hour TTL alongside the result sets that
// follow-ups like "book option 2" resolve against.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/korvo-chat/backend/internal/intent"
	"github.com/korvo-chat/backend/internal/kv"
)

const (
	StatusAwaitingSlots = "awaiting_slots"
	StatusReady         = "ready"

	// OptionContextSlot is the synthetic slot raised when a booking action
	// has its id filled but no search results exist to resolve it against.
	OptionContextSlot = "option_context"

	// switchConfidence is the minimum confidence at which a follow-up that
	// names a different action abandons the current task.
	switchConfidence = 0.6

	stateTTL = time.Hour
)

// State is the persisted slot-filling record.
type State struct {
	Mode         string         `json:"mode"`
	Status       string         `json:"status"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters"`
	MissingSlots []string       `json:"missing_slots"`
	CreatedAt    time.Time      `json:"created_at"`
	LastPrompt   string         `json:"last_prompt"`
}

// ResultSet caches the options a search action returned.
type ResultSet struct {
	Action    string           `json:"action"`
	Results   []map[string]any `json:"results"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Machine manages task state and result-set caches.
type Machine struct {
	cache  kv.Store
	parser *intent.Parser
	now    func() time.Time
}

func NewMachine(cache kv.Store, parser *intent.Parser) *Machine {
	return &Machine{cache: cache, parser: parser, now: time.Now}
}

func stateKey(user string, room int64) string {
	return fmt.Sprintf("korvo:task:%d:%s", room, user)
}

func resultsKey(user string, room int64, action string) string {
	return fmt.Sprintf("korvo:results:%d:%s:%s", room, user, action)
}

func summaryKey(user string, room int64) string {
	return fmt.Sprintf("korvo:lastsummary:%d:%s", room, user)
}

// Get returns the active state, or nil when none exists.
func (m *Machine) Get(ctx context.Context, user string, room int64) (*State, error) {
	raw, err := m.cache.Get(ctx, stateKey(user, room))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Begin initializes state from a fresh intent and persists it.
func (m *Machine) Begin(ctx context.Context, user string, room int64, it intent.Intent) (*State, error) {
	st := &State{
		Mode:       "intent",
		Action:     it.Action,
		Parameters: cloneParams(it.Parameters),
		CreatedAt:  m.now(),
	}
	m.applyShorthand(ctx, user, room, st, it.RawQuery)
	if err := m.recompute(ctx, user, room, st); err != nil {
		return nil, err
	}
	return st, m.save(ctx, user, room, st)
}

// FollowUp feeds a follow-up utterance into the active state. It reparses the
// text constrained by the expected action and slots, then either merges the
// answer or, when the user confidently switched to a different action,
// discards the task and returns the new intent with switched=true.
func (m *Machine) FollowUp(ctx context.Context, user string, room int64, st *State, text string) (*State, intent.Intent, bool, error) {
	it := m.parser.Parse(ctx, intent.Input{
		Text:           text,
		UserID:         user,
		RoomID:         room,
		ExpectedAction: st.Action,
		ExpectedSlots:  st.MissingSlots,
	})

	if it.Action != st.Action && it.Action != intent.GeneralChat && it.Confidence >= switchConfidence {
		if err := m.Clear(ctx, user, room); err != nil {
			return nil, it, true, err
		}
		return nil, it, true, nil
	}

	for name, v := range it.Parameters {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if v == nil {
			continue
		}
		st.Parameters[name] = v
	}

	// A bare answer to a single missing slot often comes back as
	// general_chat with no parameters; take the raw text as the value.
	if len(it.Parameters) == 0 && len(st.MissingSlots) == 1 && strings.TrimSpace(text) != "" {
		st.Parameters[st.MissingSlots[0]] = strings.TrimSpace(text)
	}

	m.applyShorthand(ctx, user, room, st, text)
	if err := m.recompute(ctx, user, room, st); err != nil {
		return nil, it, false, err
	}
	return st, it, false, m.save(ctx, user, room, st)
}

// Clear removes the active state. Used on completion, cancellation, and
// dismissal.
func (m *Machine) Clear(ctx context.Context, user string, room int64) error {
	return m.cache.Del(ctx, stateKey(user, room))
}

// recompute derives status, missing slots, and the follow-up prompt, and
// elevates booking actions that lack a backing result set.
func (m *Machine) recompute(ctx context.Context, user string, room int64, st *State) error {
	spec, ok := intent.Lookup(st.Action)
	if !ok {
		spec = intent.ActionSpec{Name: st.Action}
	}
	st.MissingSlots = intent.MissingSlots(spec, st.Parameters)

	if len(st.MissingSlots) == 0 && spec.NeedsOption {
		rs, err := m.ResultSetFor(ctx, user, room, spec.ResultAction)
		if err != nil {
			return err
		}
		if rs == nil {
			st.MissingSlots = []string{OptionContextSlot}
		}
	}

	if len(st.MissingSlots) > 0 {
		st.Status = StatusAwaitingSlots
		st.LastPrompt = intent.SlotPrompt(st.MissingSlots[0])
	} else {
		st.Status = StatusReady
		st.LastPrompt = ""
	}
	return nil
}

var shorthandRe = regexp.MustCompile(`(?i)\b(send|email|whatsapp|forward)\b.*\b(it|that|them)\b`)

// applyShorthand injects the most recent assistant summary as the body
// parameter for "send it to x" style requests.
func (m *Machine) applyShorthand(ctx context.Context, user string, room int64, st *State, text string) {
	spec, ok := intent.Lookup(st.Action)
	if !ok || spec.BodyParam == "" {
		return
	}
	if _, filled := st.Parameters[spec.BodyParam]; filled {
		return
	}
	if !shorthandRe.MatchString(text) {
		return
	}
	summary, err := m.RecentSummary(ctx, user, room)
	if err != nil || summary == "" {
		return
	}
	st.Parameters[spec.BodyParam] = summary
}

func (m *Machine) save(ctx context.Context, user string, room int64, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.cache.Set(ctx, stateKey(user, room), raw, stateTTL)
}

// ============================================================================
// Result sets & summaries
// ============================================================================

// SaveResultSet caches a search action's options for follow-up resolution.
func (m *Machine) SaveResultSet(ctx context.Context, user string, room int64, action string, results []map[string]any, metadata map[string]any) error {
	rs := ResultSet{Action: action, Results: results, Metadata: metadata, CreatedAt: m.now()}
	raw, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return m.cache.Set(ctx, resultsKey(user, room, action), raw, stateTTL)
}

// ResultSetFor returns the cached options for action, or nil when absent.
func (m *Machine) ResultSetFor(ctx context.Context, user string, room int64, action string) (*ResultSet, error) {
	raw, err := m.cache.Get(ctx, resultsKey(user, room, action))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rs ResultSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveSummary records the latest assistant summary shown to a user so that
// "send it to alex" can reference it.
func (m *Machine) SaveSummary(ctx context.Context, user string, room int64, summary string) error {
	return m.cache.Set(ctx, summaryKey(user, room), []byte(summary), stateTTL)
}

// RecentSummary returns the last saved summary, or "" when none.
func (m *Machine) RecentSummary(ctx context.Context, user string, room int64) (string, error) {
	raw, err := m.cache.Get(ctx, summaryKey(user, room))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
