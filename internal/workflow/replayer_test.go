package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/adapters"
	"github.com/korvo-chat/backend/internal/dispatch"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/store"
)

func enqueue(t *testing.T, mem *store.Memory, def *Definition) *store.DeferredExecution {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	item, err := mem.EnqueueDeferred(context.Background(), &store.DeferredExecution{
		Owner:         "alice",
		RoomID:        7,
		Definition:    string(raw),
		NextAttemptAt: time.Now().Add(-time.Second),
		Status:        store.DeferredQueued,
	})
	require.NoError(t, err)
	return item
}

func newReplayerRig(st store.Store, mem *store.Memory, fakes ...adapters.Adapter) (*Replayer, *kv.Memory) {
	cache := kv.NewMemory()
	d := dispatch.New(adapters.NewRegistry(fakes...), nil, nil, 100000, nil)
	e := NewEngine(st, d, cache, Config{}, nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	r := NewReplayer(mem, cache, e, ReplayConfig{}, nil)
	return r, cache
}

// ============================================================================
// Tick
// ============================================================================

func TestTickSkipsWhileGuardSet(t *testing.T) {
	mem := store.NewMemory()
	email := newScriptedAdapter("email")
	r, cache := newReplayerRig(mem, mem, email)

	item := enqueue(t, mem, simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}}))

	_, err := cache.SetNX(context.Background(), GuardKey, []byte("1"), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Tick(context.Background()))
	assert.Zero(t, email.calls["send_email"])
	assert.Equal(t, store.DeferredQueued, mem.DeferredByID(item.ID).Status)
}

func TestTickReplaysQueuedItem(t *testing.T) {
	mem := store.NewMemory()
	email := newScriptedAdapter("email")
	r, _ := newReplayerRig(mem, mem, email)

	item := enqueue(t, mem, simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}}))

	require.NoError(t, r.Tick(context.Background()))
	assert.Equal(t, 1, email.calls["send_email"])

	got := mem.DeferredByID(item.ID)
	assert.Equal(t, store.DeferredStarted, got.Status)
	require.NotNil(t, got.ExecutionID)
	exec, err := mem.GetExecution(context.Background(), *got.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
}

func TestTickFailureBacksOffWithAttemptCharge(t *testing.T) {
	mem := store.NewMemory()
	r, _ := newReplayerRig(mem, mem)

	// Corrupt stored definition makes StartDeferredItem fail permanently
	// for this attempt without being an outage.
	item, err := mem.EnqueueDeferred(context.Background(), &store.DeferredExecution{
		Owner: "alice", RoomID: 7, Definition: "{not json",
		NextAttemptAt: time.Now().Add(-time.Second), Status: store.DeferredQueued,
	})
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, r.Tick(context.Background()))

	got := mem.DeferredByID(item.ID)
	assert.Equal(t, store.DeferredQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.LastError)
	// First retry waits the backoff base of 10 s.
	assert.True(t, got.NextAttemptAt.After(before.Add(9*time.Second)))
}

func TestTickAbandonsAfterMaxAttempts(t *testing.T) {
	mem := store.NewMemory()
	r, _ := newReplayerRig(mem, mem)

	item, err := mem.EnqueueDeferred(context.Background(), &store.DeferredExecution{
		Owner: "alice", RoomID: 7, Definition: "{not json",
		Attempts: 5, NextAttemptAt: time.Now().Add(-time.Second), Status: store.DeferredQueued,
	})
	require.NoError(t, err)

	require.NoError(t, r.Tick(context.Background()))

	got := mem.DeferredByID(item.ID)
	assert.Equal(t, store.DeferredAbandoned, got.Status)
	assert.Equal(t, 6, got.Attempts)
}

func TestTickUnreachableSetsGuardAndRequeuesRest(t *testing.T) {
	mem := store.NewMemory()
	down := &downStore{mem}
	r, cache := newReplayerRig(down, mem)

	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}})
	first := enqueue(t, mem, def)
	second := enqueue(t, mem, def)

	require.NoError(t, r.Tick(context.Background()))

	// The item that hit the outage is charged an attempt; the rest of the
	// claimed batch goes straight back to queued.
	got := mem.DeferredByID(first.ID)
	assert.Equal(t, store.DeferredQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	rest := mem.DeferredByID(second.ID)
	assert.Equal(t, store.DeferredQueued, rest.Status)
	assert.Zero(t, rest.Attempts)

	_, err := cache.Get(context.Background(), GuardKey)
	assert.NoError(t, err)

	// The next tick is a no-op while the guard holds.
	require.NoError(t, r.Tick(context.Background()))
	assert.Equal(t, 1, mem.DeferredByID(first.ID).Attempts)
}
