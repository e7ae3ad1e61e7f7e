package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frozenMemory() (*Memory, *time.Time) {
	m := NewMemory()
	now := time.Now()
	m.Now = func() time.Time { return now }
	return m, &now
}

func TestGetSetAndExpiry(t *testing.T) {
	ctx := context.Background()
	m, now := frozenMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	*now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXWinsOnceUntilExpiry(t *testing.T) {
	ctx := context.Background()
	m, now := frozenMemory()

	won, err := m.SetNX(ctx, "lock", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.SetNX(ctx, "lock", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	*now = now.Add(2 * time.Minute)
	won, err = m.SetNX(ctx, "lock", []byte("3"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestIncrWindowResetsAfterTTL(t *testing.T) {
	ctx := context.Background()
	m, now := frozenMemory()

	for want := int64(1); want <= 3; want++ {
		n, err := m.IncrWindow(ctx, "rate", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// TTL applies at creation, not per increment.
	*now = now.Add(61 * time.Second)
	n, err := m.IncrWindow(ctx, "rate", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetOperations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SAdd(ctx, "room", "alice", "bob", "alice"))
	members, err := m.SMembers(ctx, "room")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	require.NoError(t, m.SRem(ctx, "room", "alice"))
	members, err = m.SMembers(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestDrainListIsAtomicReadAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.RPush(ctx, "buf", "1", "2")
	require.NoError(t, err)
	n, err := m.RPush(ctx, "buf", "3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	items, err := m.DrainList(ctx, "buf")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, items)

	length, err := m.LLen(ctx, "buf")
	require.NoError(t, err)
	assert.Zero(t, length)

	items, err = m.DrainList(ctx, "buf")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPubSubFanOutAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var mu sync.Mutex
	var got []string
	stop, err := m.Subscribe(ctx, "events", func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "events", []byte("one")))
	require.NoError(t, m.Publish(ctx, "other", []byte("ignored")))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	require.NoError(t, m.Publish(ctx, "events", []byte("two")))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one"}, got)
}
