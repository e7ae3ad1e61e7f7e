package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessages(t *testing.T, m *Memory, roomID int64, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		msg, err := m.AppendMessage(ctx, &Message{RoomID: roomID, Author: "alice", Content: "x"})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	return ids
}

func TestPageMessages_CursorLaw(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ids := seedMessages(t, m, 1, 25)

	// First page: newest 10, returned oldest-first.
	p1, err := m.PageMessages(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, p1.Messages, 10)
	assert.True(t, p1.HasMore)
	assert.Equal(t, ids[15], p1.Messages[0].ID)
	assert.Equal(t, ids[24], p1.Messages[9].ID)
	assert.Equal(t, p1.Messages[0].ID, p1.OldestID)

	// Second page from the cursor: the previous 10, disjoint and ordered.
	p2, err := m.PageMessages(ctx, 1, p1.OldestID, 10)
	require.NoError(t, err)
	require.Len(t, p2.Messages, 10)
	assert.True(t, p2.HasMore)
	assert.Equal(t, ids[5], p2.Messages[0].ID)
	assert.Equal(t, ids[14], p2.Messages[9].ID)

	// Union of both pages is exactly the last 20 messages.
	seen := map[int64]bool{}
	for _, msg := range append(p1.Messages, p2.Messages...) {
		assert.False(t, seen[msg.ID], "pages must be disjoint")
		seen[msg.ID] = true
	}
	assert.Len(t, seen, 20)

	// Final page drains the rest.
	p3, err := m.PageMessages(ctx, 1, p2.OldestID, 10)
	require.NoError(t, err)
	assert.Len(t, p3.Messages, 5)
	assert.False(t, p3.HasMore)
}

func TestPageMessages_EmptyRoom(t *testing.T) {
	m := NewMemory()
	page, err := m.PageMessages(context.Background(), 9, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Zero(t, page.OldestID)
}

func TestTransitionExecution_SingleTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	exec, err := m.CreateExecution(ctx, &Execution{ExternalRunID: "run-1", TriggerType: "manual"})
	require.NoError(t, err)

	require.NoError(t, m.TransitionExecution(ctx, exec.ID, ExecRunning, "", ""))
	require.NoError(t, m.TransitionExecution(ctx, exec.ID, ExecCompleted, `{"ok":true}`, ""))

	// A second terminal transition must fail.
	err = m.TransitionExecution(ctx, exec.ID, ExecFailed, "", "late failure")
	require.Error(t, err)

	got, err := m.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestAddFlags_MuteLatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	st, err := m.AddFlags(ctx, 1, "mallory", 2, 3)
	require.NoError(t, err)
	assert.False(t, st.IsMuted)

	st, err = m.AddFlags(ctx, 1, "mallory", 1, 3)
	require.NoError(t, err)
	assert.True(t, st.IsMuted)

	// Latched: further flags never unmute.
	st, err = m.AddFlags(ctx, 1, "mallory", 0, 100)
	require.NoError(t, err)
	assert.True(t, st.IsMuted)
}

func TestInsertNote_DedupWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inserted, err := m.InsertNote(ctx, &RoomNote{RoomID: 1, Type: NoteDecision, Content: "ship friday", Priority: PriorityHigh, CreatedBy: "ai"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertNote(ctx, &RoomNote{RoomID: 1, Type: NoteDecision, Content: "ship friday", Priority: PriorityLow, CreatedBy: "ai"})
	require.NoError(t, err)
	assert.False(t, inserted, "identical (content, type) within 7 days is a duplicate")

	// Different type is not a duplicate.
	inserted, err = m.InsertNote(ctx, &RoomNote{RoomID: 1, Type: NoteReminder, Content: "ship friday", Priority: PriorityLow, CreatedBy: "ai"})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestClaimDeferred_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	d, err := m.EnqueueDeferred(ctx, &DeferredExecution{Owner: "alice", Definition: "{}"})
	require.NoError(t, err)

	claimed, err := m.ClaimDeferred(ctx, m.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, d.ID, claimed[0].ID)

	// Second claim finds nothing: the item is processing.
	claimed, err = m.ClaimDeferred(ctx, m.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
