package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/adapters"
)

type flakyAdapter struct {
	queue []adapters.Result
	calls int
}

func (f *flakyAdapter) Service() string { return "email" }

func (f *flakyAdapter) Execute(context.Context, string, map[string]any, adapters.Call) adapters.Result {
	f.calls++
	if len(f.queue) == 0 {
		return adapters.Result{Status: adapters.StatusSuccess}
	}
	res := f.queue[0]
	f.queue = f.queue[1:]
	return res
}

func fill(res adapters.Result, n int) []adapters.Result {
	out := make([]adapters.Result, n)
	for i := range out {
		out[i] = res
	}
	return out
}

func testBreaker(inner *flakyAdapter) (*Breaker, *time.Time) {
	b := Wrap(inner, Config{FailureThreshold: 3, Cooldown: 10 * time.Second, ProbeSuccesses: 2}, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func call(b *Breaker) adapters.Result {
	return b.Execute(context.Background(), "send_email", nil, adapters.Call{})
}

func TestStaysClosedThroughIntermittentFailures(t *testing.T) {
	inner := &flakyAdapter{queue: []adapters.Result{
		adapters.Errorf("timeout"),
		{Status: adapters.StatusSuccess},
		adapters.Errorf("timeout"),
		{Status: adapters.StatusSuccess},
	}}
	b, _ := testBreaker(inner)

	for i := 0; i < 4; i++ {
		call(b)
	}
	assert.Equal(t, 4, inner.calls)
	assert.True(t, call(b).OK())
}

func TestOpensAfterConsecutiveFailuresAndRejectsLocally(t *testing.T) {
	inner := &flakyAdapter{queue: fill(adapters.Errorf("connection refused"), 10)}
	b, _ := testBreaker(inner)

	for i := 0; i < 3; i++ {
		require.False(t, call(b).OK())
	}
	require.Equal(t, 3, inner.calls)

	// Circuit is open: the upstream is not touched.
	res := call(b)
	assert.Equal(t, OpenMessage, res.Error)
	assert.False(t, res.Permanent())
	assert.Equal(t, 3, inner.calls)
}

func TestProbesAfterCooldownAndClosesOnSuccesses(t *testing.T) {
	inner := &flakyAdapter{queue: fill(adapters.Errorf("down"), 3)}
	b, now := testBreaker(inner)

	for i := 0; i < 3; i++ {
		call(b)
	}
	*now = now.Add(11 * time.Second)

	// Two probe successes close the circuit.
	assert.True(t, call(b).OK())
	assert.True(t, call(b).OK())
	assert.True(t, call(b).OK())
	assert.Equal(t, 6, inner.calls)
}

func TestFailedProbeReopens(t *testing.T) {
	inner := &flakyAdapter{queue: fill(adapters.Errorf("down"), 4)}
	b, now := testBreaker(inner)

	for i := 0; i < 3; i++ {
		call(b)
	}
	*now = now.Add(11 * time.Second)

	require.False(t, call(b).OK()) // probe fails
	require.Equal(t, 4, inner.calls)

	res := call(b)
	assert.Equal(t, OpenMessage, res.Error)
	assert.Equal(t, 4, inner.calls)

	*now = now.Add(11 * time.Second)
	assert.True(t, call(b).OK())
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	inner := &flakyAdapter{queue: fill(adapters.PermanentError("unsupported action"), 10)}
	b, _ := testBreaker(inner)

	for i := 0; i < 8; i++ {
		call(b)
	}
	assert.Equal(t, 8, inner.calls)
}
