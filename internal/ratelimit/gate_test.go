package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/kv"
)

func TestAllow_CeilingEnforced(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeChatMessages: {Ceiling: 30, Window: time.Minute},
	})

	for i := 1; i <= 30; i++ {
		ok, err := g.Allow(ctx, ScopeChatMessages, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "message %d should be allowed", i)
	}

	ok, err := g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "message 31 must be rejected")
}

func TestAllow_PerUserIsolation(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeChatMessages: {Ceiling: 1, Window: time.Minute},
	})

	ok, err := g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Allow(ctx, ScopeChatMessages, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "bob has his own bucket")
}

func TestAllow_FileUploadsShareChatBucket(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeChatMessages: {Ceiling: 2, Window: time.Minute},
		ScopeFileUploads:  {Ceiling: 2, Window: time.Minute},
	})

	ok, err := g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.Allow(ctx, ScopeFileUploads, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// Third hit on the shared bucket is over the ceiling regardless of scope.
	ok, err = g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllow_WindowRollsOver(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeChatMessages: {Ceiling: 1, Window: time.Minute},
	})

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	g.now = func() time.Time { return base }

	ok, err := g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Next minute bucket.
	g.now = func() time.Time { return base.Add(time.Minute) }
	ok, err = g.Allow(ctx, ScopeChatMessages, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotas_ReportsRemaining(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeOrchestration: {Ceiling: 100, Window: time.Hour},
	})

	for i := 0; i < 3; i++ {
		_, err := g.Allow(ctx, ScopeOrchestration, "alice")
		require.NoError(t, err)
	}

	quotas, err := g.Quotas(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, quotas, 1)
	assert.Equal(t, 3, quotas[0].Used)
	assert.Equal(t, 97, quotas[0].Remaining)
}

func TestAllowProvider_SeparateBudgets(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeTravelSearch: {Ceiling: 2, Window: time.Hour},
	})

	for i := 1; i <= 2; i++ {
		ok, err := g.AllowProvider(ctx, ScopeTravelSearch, "alice", "travel")
		require.NoError(t, err)
		assert.True(t, ok, "search %d should be allowed", i)
	}
	ok, err := g.AllowProvider(ctx, ScopeTravelSearch, "alice", "travel")
	require.NoError(t, err)
	assert.False(t, ok, "third search against the same provider must be rejected")

	// A different provider has its own counter.
	ok, err = g.AllowProvider(ctx, ScopeTravelSearch, "alice", "rail")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotas_PerProviderRows(t *testing.T) {
	ctx := context.Background()
	g := New(kv.NewMemory(), map[Scope]Limit{
		ScopeTravelSearch: {Ceiling: 100, Window: time.Hour},
	})
	g.RegisterProvider(ScopeTravelSearch, "travel")

	for i := 0; i < 4; i++ {
		_, err := g.AllowProvider(ctx, ScopeTravelSearch, "alice", "travel")
		require.NoError(t, err)
	}

	quotas, err := g.Quotas(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, quotas, 1)
	assert.Equal(t, ScopeTravelSearch, quotas[0].Scope)
	assert.Equal(t, "travel", quotas[0].Provider)
	assert.Equal(t, 4, quotas[0].Used)
	assert.Equal(t, 96, quotas[0].Remaining)
}
