// Package proactive watches per-user activity and nudges idle users with a
// suggested next step. Nudges are gated by user preferences, frequency
// limits, and a dismissal memory so the assistant never turns into spam.
package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/intent"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/task"
)

// AssistantAuthor is the author recorded on nudge messages.
const AssistantAuthor = "assistant"

// Nudge reasons, highest priority first.
const (
	ReasonTravelItinerary    = "travel_itinerary"
	ReasonCommunicationAuto  = "communication_automation"
	ReasonRecurringReminders = "recurring_reminders"
	ReasonNoWorkflow         = "no_workflow"
	ReasonNoInvoice          = "no_invoice"
	ReasonNoReminder         = "no_reminder"
	ReasonSummaryChecklist   = "summary_checklist"
)

// Frequency settings and their minimum gap between nudges.
const (
	FrequencyLow    = "low"
	FrequencyMedium = "medium"
	FrequencyHigh   = "high"
)

var frequencyGaps = map[string]time.Duration{
	FrequencyLow:    360 * time.Minute,
	FrequencyMedium: 120 * time.Minute,
	FrequencyHigh:   30 * time.Minute,
}

const (
	signalTTL    = 48 * time.Hour
	dismissalTTL = 14 * 24 * time.Hour
)

// Signals is the rolling activity record for one (user, room).
type Signals struct {
	Actions      map[string]int `json:"actions"`
	Categories   map[string]int `json:"categories"`
	LastAction   string         `json:"last_action"`
	LastActionAt time.Time      `json:"last_action_at"`
}

// Preferences controls whether and how often a user is nudged.
type Preferences struct {
	Disabled     bool      `json:"disabled"`
	SnoozedUntil time.Time `json:"snoozed_until"`
	Frequency    string    `json:"frequency"` // low, medium, high
}

func (p Preferences) gap() time.Duration {
	if g, ok := frequencyGaps[p.Frequency]; ok {
		return g
	}
	return frequencyGaps[FrequencyMedium]
}

type lastNudge struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Broadcaster fans a persisted nudge out to the room's live sessions.
type Broadcaster interface {
	NudgeSent(ctx context.Context, roomID int64, msg *store.Message, plaintext string)
}

// Config tunes the engine.
type Config struct {
	Enabled     bool
	IdleAfter   time.Duration // default 10 min
	PendingTTL  time.Duration // default IdleAfter + 1 min
	TravelMin   int           // searches before a travel nudge, default 3
	CommsMin    int           // communication actions before suggesting automation, default 3
	ReminderMin int           // reminders before suggesting a recurring one, default 2
}

func (c *Config) defaults() {
	if c.IdleAfter == 0 {
		c.IdleAfter = 10 * time.Minute
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = c.IdleAfter + time.Minute
	}
	if c.TravelMin == 0 {
		c.TravelMin = 3
	}
	if c.CommsMin == 0 {
		c.CommsMin = 3
	}
	if c.ReminderMin == 0 {
		c.ReminderMin = 2
	}
}

// Engine accumulates signals and fires idle nudges.
type Engine struct {
	cache kv.Store
	store store.Store
	ring  *keyring.Ring
	tasks *task.Machine
	bcast Broadcaster
	cfg   Config
	log   *slog.Logger

	now      func() time.Time
	schedule func(d time.Duration, f func()) // time.AfterFunc in production
}

func New(cache kv.Store, st store.Store, ring *keyring.Ring, tasks *task.Machine, bcast Broadcaster, cfg Config, log *slog.Logger) *Engine {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cache: cache,
		store: st,
		ring:  ring,
		tasks: tasks,
		bcast: bcast,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

func signalsKey(roomID int64, user string) string {
	return fmt.Sprintf("korvo:signals:%d:%s", roomID, user)
}

func pendingKey(roomID int64, user string) string {
	return fmt.Sprintf("korvo:nudge:pending:%d:%s", roomID, user)
}

func activityKey(roomID int64, user string) string {
	return fmt.Sprintf("korvo:activity:%d:%s", roomID, user)
}

func prefsKey(user string) string {
	return "korvo:nudge:prefs:" + user
}

func lastNudgeKey(roomID int64, user string) string {
	return fmt.Sprintf("korvo:nudge:last:%d:%s", roomID, user)
}

func dismissedKey(roomID int64, user, reason string) string {
	return fmt.Sprintf("korvo:nudge:dismissed:%d:%s:%s", roomID, user, reason)
}

// RecordAction counts a successfully dispatched action against the user's
// rolling signal window.
func (e *Engine) RecordAction(ctx context.Context, user string, roomID int64, action string) error {
	action = intent.CanonicalAction(action)
	sig, err := e.signals(ctx, user, roomID)
	if err != nil {
		return err
	}
	sig.Actions[action]++
	if spec, ok := intent.Lookup(action); ok && spec.Category != "" {
		sig.Categories[spec.Category]++
	}
	sig.LastAction = action
	sig.LastActionAt = e.now()
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return e.cache.Set(ctx, signalsKey(roomID, user), raw, signalTTL)
}

func (e *Engine) signals(ctx context.Context, user string, roomID int64) (*Signals, error) {
	sig := &Signals{Actions: map[string]int{}, Categories: map[string]int{}}
	raw, err := e.cache.Get(ctx, signalsKey(roomID, user))
	if errors.Is(err, kv.ErrNotFound) {
		return sig, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, sig); err != nil {
		return &Signals{Actions: map[string]int{}, Categories: map[string]int{}}, nil
	}
	if sig.Actions == nil {
		sig.Actions = map[string]int{}
	}
	if sig.Categories == nil {
		sig.Categories = map[string]int{}
	}
	return sig, nil
}

// OnUserMessage records activity and arms the idle timer. At most one timer
// is pending per (user, room); a user with a half-filled task in progress is
// never nudged over it.
func (e *Engine) OnUserMessage(ctx context.Context, user string, roomID int64) error {
	if !e.cfg.Enabled {
		return nil
	}
	now := e.now()
	if err := e.cache.Set(ctx, activityKey(roomID, user), []byte(now.Format(time.RFC3339Nano)), signalTTL); err != nil {
		return err
	}

	if e.tasks != nil {
		st, err := e.tasks.Get(ctx, user, roomID)
		if err == nil && st != nil && st.Status == task.StatusAwaitingSlots {
			return nil
		}
	}

	won, err := e.cache.SetNX(ctx, pendingKey(roomID, user), []byte(now.Format(time.RFC3339Nano)), e.cfg.PendingTTL)
	if err != nil || !won {
		return err
	}
	e.schedule(e.cfg.IdleAfter, func() {
		fireCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Evaluate(fireCtx, user, roomID, now); err != nil {
			e.log.Error("nudge evaluation failed", "user", user, "room", roomID, "error", err)
		}
	})
	return nil
}

// Evaluate runs when an idle timer fires. scheduledAt is the activity
// timestamp the timer was armed for; later activity cancels silently.
func (e *Engine) Evaluate(ctx context.Context, user string, roomID int64, scheduledAt time.Time) error {
	defer func() {
		_ = e.cache.Del(context.WithoutCancel(ctx), pendingKey(roomID, user))
	}()

	prefs, err := e.PreferencesFor(ctx, user)
	if err != nil {
		return err
	}
	now := e.now()
	if prefs.Disabled || now.Before(prefs.SnoozedUntil) {
		return nil
	}
	if last, ok := e.lastNudge(ctx, user, roomID); ok && now.Sub(last.At) < prefs.gap() {
		return nil
	}
	if act, ok := e.lastActivity(ctx, user, roomID); ok && act.After(scheduledAt) {
		return nil
	}

	sig, err := e.signals(ctx, user, roomID)
	if err != nil {
		return err
	}
	reason, text, err := e.chooseReason(ctx, user, roomID, sig)
	if err != nil || reason == "" {
		return err
	}

	msg, err := e.persistNudge(ctx, roomID, text)
	if err != nil {
		return err
	}
	if e.bcast != nil {
		e.bcast.NudgeSent(ctx, roomID, msg, text)
	}

	raw, _ := json.Marshal(lastNudge{At: now, Reason: reason})
	if err := e.cache.Set(ctx, lastNudgeKey(roomID, user), raw, signalTTL); err != nil {
		return err
	}
	metrics.NudgesSent.WithLabelValues(reason).Inc()
	e.log.Info("nudge sent", "user", user, "room", roomID, "reason", reason)
	return nil
}

// chooseReason walks the priority chain, skipping reasons the user has
// dismissed within the last 14 days.
func (e *Engine) chooseReason(ctx context.Context, user string, roomID int64, sig *Signals) (string, string, error) {
	total := 0
	for _, n := range sig.Actions {
		total += n
	}
	travelSearches := sig.Actions["search_flights"] + sig.Actions["search_hotels"]
	hasWorkflow, err := e.ownsWorkflow(ctx, user)
	if err != nil {
		return "", "", err
	}

	type candidate struct {
		reason string
		fits   bool
		text   string
	}
	chain := []candidate{
		{ReasonTravelItinerary, travelSearches >= e.cfg.TravelMin && !hasWorkflow,
			"You've been searching for trips. Want me to put the pieces together into an itinerary and book the best options?"},
		{ReasonCommunicationAuto, sig.Categories["communication"] >= e.cfg.CommsMin,
			"You send a lot of messages by hand. I can set up a workflow that sends them for you on a trigger or schedule."},
		{ReasonRecurringReminders, sig.Actions["create_reminder"] >= e.cfg.ReminderMin,
			"You keep setting similar reminders. Should I make them recurring so you don't have to ask each time?"},
		{ReasonNoWorkflow, total > 0 && !hasWorkflow,
			"Tip: anything you ask me to do can be saved as a workflow and run automatically. Want to try one?"},
		{ReasonNoInvoice, sig.Categories["payments"] > 0 && sig.Actions["create_invoice"] == 0,
			"I can generate invoices for your payments. Want me to draft one from your recent activity?"},
		{ReasonNoReminder, total > 0 && sig.Categories["calendar"] == 0,
			"I can also set reminders and calendar events. Just say when and what."},
		{ReasonSummaryChecklist, true,
			"Want a quick summary of this room and a checklist of open action items?"},
	}

	for _, c := range chain {
		if !c.fits {
			continue
		}
		if _, err := e.cache.Get(ctx, dismissedKey(roomID, user, c.reason)); err == nil {
			continue
		} else if !errors.Is(err, kv.ErrNotFound) {
			return "", "", err
		}
		return c.reason, c.text, nil
	}
	return "", "", nil
}

func (e *Engine) ownsWorkflow(ctx context.Context, user string) (bool, error) {
	recs, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.Owner == user {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) persistNudge(ctx context.Context, roomID int64, text string) (*store.Message, error) {
	key, _, err := e.ring.RoomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.SealContent(key, text)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Internal, "failed to seal nudge", err)
	}
	return e.store.AppendMessage(ctx, &store.Message{
		RoomID:  roomID,
		Author:  AssistantAuthor,
		Content: sealed,
	})
}

// Dismiss handles an explicit "dismiss that nudge" style message. It reports
// whether the text was a dismissal; callers swallow dismissals instead of
// sending them to the intent parser.
func (e *Engine) Dismiss(ctx context.Context, user string, roomID int64, text string) (bool, error) {
	lower := strings.ToLower(text)
	verb := strings.Contains(lower, "dismiss") || strings.Contains(lower, "stop")
	topic := strings.Contains(lower, "nudge") || strings.Contains(lower, "suggestion")
	if !verb || !topic {
		return false, nil
	}

	if err := e.cache.Del(ctx, pendingKey(roomID, user)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return true, err
	}
	if last, ok := e.lastNudge(ctx, user, roomID); ok && last.Reason != "" {
		if err := e.cache.Set(ctx, dismissedKey(roomID, user, last.Reason), []byte("1"), dismissalTTL); err != nil {
			return true, err
		}
		e.log.Info("nudge reason dismissed", "user", user, "room", roomID, "reason", last.Reason)
	}
	return true, nil
}

// PreferencesFor returns the user's nudge preferences, defaulting to enabled
// at medium frequency.
func (e *Engine) PreferencesFor(ctx context.Context, user string) (Preferences, error) {
	raw, err := e.cache.Get(ctx, prefsKey(user))
	if errors.Is(err, kv.ErrNotFound) {
		return Preferences{Frequency: FrequencyMedium}, nil
	}
	if err != nil {
		return Preferences{}, err
	}
	var p Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return Preferences{Frequency: FrequencyMedium}, nil
	}
	if p.Frequency == "" {
		p.Frequency = FrequencyMedium
	}
	return p, nil
}

// SetPreferences persists the user's nudge preferences. Preferences have no
// TTL; an explicit opt-out must survive the signal window.
func (e *Engine) SetPreferences(ctx context.Context, user string, p Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return e.cache.Set(ctx, prefsKey(user), raw, 0)
}

// Snooze pauses nudges for the user until the given time.
func (e *Engine) Snooze(ctx context.Context, user string, until time.Time) error {
	p, err := e.PreferencesFor(ctx, user)
	if err != nil {
		return err
	}
	p.SnoozedUntil = until
	return e.SetPreferences(ctx, user, p)
}

func (e *Engine) lastNudge(ctx context.Context, user string, roomID int64) (lastNudge, bool) {
	raw, err := e.cache.Get(ctx, lastNudgeKey(roomID, user))
	if err != nil {
		return lastNudge{}, false
	}
	var ln lastNudge
	if err := json.Unmarshal(raw, &ln); err != nil {
		return lastNudge{}, false
	}
	return ln, true
}

func (e *Engine) lastActivity(ctx context.Context, user string, roomID int64) (time.Time, bool) {
	raw, err := e.cache.Get(ctx, activityKey(roomID, user))
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
