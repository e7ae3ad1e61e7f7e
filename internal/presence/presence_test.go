package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/kv"
)

func TestAddRemoveSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	require.NoError(t, s.Add(ctx, 42, "alice"))
	require.NoError(t, s.Touch(ctx, "alice", time.Now()))
	require.NoError(t, s.Touch(ctx, "bob", time.Now().Add(-time.Hour)))

	snap, err := s.Snapshot(ctx, 42, []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, snap, 2)

	byUser := map[string]Entry{snap[0].User: snap[0], snap[1].User: snap[1]}
	assert.Equal(t, "online", byUser["alice"].Status)
	assert.Equal(t, "offline", byUser["bob"].Status)
	assert.False(t, byUser["bob"].LastSeen.IsZero())

	require.NoError(t, s.Remove(ctx, 42, "alice"))
	online, err := s.Online(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestDoubleConnectDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	// Canonical sequence is remove-then-add; run it twice back to back as a
	// reconnecting client would.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Remove(ctx, 7, "alice"))
		require.NoError(t, s.Add(ctx, 7, "alice"))
	}

	online, err := s.Online(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)
}

func TestLastSeenUnknownUser(t *testing.T) {
	s := New(kv.NewMemory())
	seen, err := s.LastSeen(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, seen.IsZero())
}
