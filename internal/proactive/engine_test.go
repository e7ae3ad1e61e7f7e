package proactive

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/intent"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/task"
)

type recordingBroadcast struct {
	msgs  []*store.Message
	texts []string
}

func (b *recordingBroadcast) NudgeSent(_ context.Context, _ int64, msg *store.Message, plaintext string) {
	b.msgs = append(b.msgs, msg)
	b.texts = append(b.texts, plaintext)
}

type nudgeFixture struct {
	engine *Engine
	cache  *kv.Memory
	store  *store.Memory
	bcast  *recordingBroadcast
	room   *store.Room
	key    []byte
	fired  []func()
	clock  time.Time
}

func newNudgeFixture(t *testing.T) *nudgeFixture {
	t.Helper()
	mem := store.NewMemory()
	cache := kv.NewMemory()

	kek := bytes.Repeat([]byte{9}, crypto.KeySize)
	wrapper, err := crypto.NewKeyWrapper(kek)
	require.NoError(t, err)
	key, err := crypto.NewRoomKey()
	require.NoError(t, err)
	sealed, err := wrapper.Wrap(key)
	require.NoError(t, err)
	room, err := mem.CreateRoom(context.Background(), "eng", []string{"alice", "bob"}, sealed)
	require.NoError(t, err)
	ring, err := keyring.New(mem, wrapper)
	require.NoError(t, err)

	f := &nudgeFixture{cache: cache, store: mem, bcast: &recordingBroadcast{}, room: room, key: key}
	f.clock = time.Now()
	cache.Now = func() time.Time { return f.clock }

	f.engine = New(cache, mem, ring, nil, f.bcast, Config{Enabled: true}, nil)
	f.engine.now = func() time.Time { return f.clock }
	f.engine.schedule = func(_ time.Duration, fn func()) { f.fired = append(f.fired, fn) }
	return f
}

func (f *nudgeFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *nudgeFixture) record(t *testing.T, action string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.engine.RecordAction(context.Background(), "alice", f.room.ID, action))
	}
}

// ============================================================================
// Signals
// ============================================================================

func TestRecordActionAccumulatesCategories(t *testing.T) {
	f := newNudgeFixture(t)
	f.record(t, "search_flights", 2)
	f.record(t, "search_hotels", 1)
	f.record(t, "send_email", 1)

	sig, err := f.engine.signals(context.Background(), "alice", f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sig.Actions["search_flights"])
	assert.Equal(t, 3, sig.Categories["travel"])
	assert.Equal(t, 1, sig.Categories["communication"])
	assert.Equal(t, "send_email", sig.LastAction)
}

func TestRecordActionCanonicalizesAliases(t *testing.T) {
	f := newNudgeFixture(t)
	f.record(t, "send_message", 1)

	sig, err := f.engine.signals(context.Background(), "alice", f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.Actions["send_whatsapp"])
}

// ============================================================================
// Timer arming
// ============================================================================

func TestOnUserMessageArmsOneTimer(t *testing.T) {
	f := newNudgeFixture(t)
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	assert.Len(t, f.fired, 1)
}

func TestOnUserMessageSkippedWhileTaskAwaitsSlots(t *testing.T) {
	f := newNudgeFixture(t)
	machine := task.NewMachine(f.cache, intent.NewParser(nil, nil))
	f.engine.tasks = machine

	_, err := machine.Begin(context.Background(), "alice", f.room.ID, intent.Intent{
		Action:     "send_email",
		Parameters: map[string]any{"to": "a@b.com"},
		Confidence: 0.9,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	assert.Empty(t, f.fired)
}

func TestDisabledEngineIsInert(t *testing.T) {
	f := newNudgeFixture(t)
	f.engine.cfg.Enabled = false
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	assert.Empty(t, f.fired)
}

// ============================================================================
// Evaluation
// ============================================================================

func (f *nudgeFixture) evaluate(t *testing.T, scheduledAt time.Time) {
	t.Helper()
	require.NoError(t, f.engine.Evaluate(context.Background(), "alice", f.room.ID, scheduledAt))
}

func TestEvaluateSendsEncryptedNudge(t *testing.T) {
	f := newNudgeFixture(t)
	f.record(t, "search_flights", 3)

	f.evaluate(t, f.clock)

	require.Len(t, f.bcast.msgs, 1)
	msg := f.bcast.msgs[0]
	assert.Equal(t, AssistantAuthor, msg.Author)

	stored, err := f.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	plain, err := crypto.Open(f.key, stored.Content)
	require.NoError(t, err)
	assert.Contains(t, plain, "itinerary")
	assert.Equal(t, plain, f.bcast.texts[0])
}

func TestEvaluateCancelsOnLaterActivity(t *testing.T) {
	f := newNudgeFixture(t)
	f.record(t, "search_flights", 3)
	scheduledAt := f.clock

	// A message arrives after the timer was armed.
	f.advance(time.Minute)
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))

	f.evaluate(t, scheduledAt)
	assert.Empty(t, f.bcast.msgs)
}

func TestEvaluateRespectsDisabledAndSnooze(t *testing.T) {
	f := newNudgeFixture(t)
	f.record(t, "search_flights", 3)

	require.NoError(t, f.engine.SetPreferences(context.Background(), "alice", Preferences{Disabled: true}))
	f.evaluate(t, f.clock)
	assert.Empty(t, f.bcast.msgs)

	require.NoError(t, f.engine.SetPreferences(context.Background(), "alice", Preferences{Frequency: FrequencyHigh}))
	require.NoError(t, f.engine.Snooze(context.Background(), "alice", f.clock.Add(time.Hour)))
	f.evaluate(t, f.clock)
	assert.Empty(t, f.bcast.msgs)

	f.advance(2 * time.Hour)
	f.evaluate(t, f.clock)
	assert.Len(t, f.bcast.msgs, 1)
}

func TestEvaluateEnforcesFrequencyGap(t *testing.T) {
	f := newNudgeFixture(t)
	require.NoError(t, f.engine.SetPreferences(context.Background(), "alice", Preferences{Frequency: FrequencyHigh}))
	f.record(t, "search_flights", 3)

	f.evaluate(t, f.clock)
	require.Len(t, f.bcast.msgs, 1)

	// 10 minutes later is inside the 30 minute high-frequency gap.
	f.advance(10 * time.Minute)
	f.evaluate(t, f.clock)
	assert.Len(t, f.bcast.msgs, 1)

	f.advance(25 * time.Minute)
	f.evaluate(t, f.clock)
	assert.Len(t, f.bcast.msgs, 2)
}

func TestEvaluateClearsPendingFlag(t *testing.T) {
	f := newNudgeFixture(t)
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	require.Len(t, f.fired, 1)

	f.evaluate(t, f.clock)

	// The flag is gone, so the next message arms a fresh timer.
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	assert.Len(t, f.fired, 2)
}

// ============================================================================
// Reason chain
// ============================================================================

func TestReasonPriorityOrder(t *testing.T) {
	f := newNudgeFixture(t)
	f.record(t, "send_email", 3)
	f.record(t, "search_flights", 3)

	f.evaluate(t, f.clock)
	require.Len(t, f.bcast.texts, 1)
	assert.Contains(t, f.bcast.texts[0], "itinerary")
}

func TestSummaryChecklistIsTheFallback(t *testing.T) {
	f := newNudgeFixture(t)
	// A workflow owner with no other signals gets the generic fallback.
	_, err := f.store.SaveWorkflow(context.Background(), &store.WorkflowRecord{
		Owner: "alice", Name: "wf", Definition: "{}",
	})
	require.NoError(t, err)

	f.evaluate(t, f.clock)
	require.Len(t, f.bcast.texts, 1)
	assert.Contains(t, f.bcast.texts[0], "summary")
}

func TestDismissedReasonFallsThrough(t *testing.T) {
	f := newNudgeFixture(t)
	require.NoError(t, f.engine.SetPreferences(context.Background(), "alice", Preferences{Frequency: FrequencyHigh}))
	f.record(t, "search_flights", 3)

	f.evaluate(t, f.clock)
	require.Len(t, f.bcast.texts, 1)
	assert.Contains(t, f.bcast.texts[0], "itinerary")

	ok, err := f.engine.Dismiss(context.Background(), "alice", f.room.ID, "please stop that suggestion")
	require.NoError(t, err)
	assert.True(t, ok)

	f.advance(time.Hour)
	f.evaluate(t, f.clock)
	require.Len(t, f.bcast.texts, 2)
	assert.NotContains(t, f.bcast.texts[1], "itinerary")
}

// ============================================================================
// Dismissal parsing
// ============================================================================

func TestDismissRequiresVerbAndTopic(t *testing.T) {
	f := newNudgeFixture(t)
	for _, text := range []string{"dismiss", "stop", "that nudge was useful", "suggestion box"} {
		ok, err := f.engine.Dismiss(context.Background(), "alice", f.room.ID, text)
		require.NoError(t, err)
		assert.False(t, ok, text)
	}
	for _, text := range []string{"dismiss the nudge", "STOP the suggestions please"} {
		ok, err := f.engine.Dismiss(context.Background(), "alice", f.room.ID, text)
		require.NoError(t, err)
		assert.True(t, ok, text)
	}
}

func TestDismissClearsPendingTimer(t *testing.T) {
	f := newNudgeFixture(t)
	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	require.Len(t, f.fired, 1)

	ok, err := f.engine.Dismiss(context.Background(), "alice", f.room.ID, "stop the nudges")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.engine.OnUserMessage(context.Background(), "alice", f.room.ID))
	assert.Len(t, f.fired, 2)
}

func TestPreferencesSurviveBadPayload(t *testing.T) {
	f := newNudgeFixture(t)
	require.NoError(t, f.cache.Set(context.Background(), prefsKey("alice"), []byte("not json"), 0))
	p, err := f.engine.PreferencesFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, FrequencyMedium, p.Frequency)

	raw, err := json.Marshal(Preferences{Frequency: FrequencyLow})
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), prefsKey("alice"), raw, 0))
	p, err = f.engine.PreferencesFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, FrequencyLow, p.Frequency)
}
