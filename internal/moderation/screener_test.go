package moderation

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/store"
)

type cannedLLM struct {
	response string
	lastUser string
}

func (c *cannedLLM) Complete(_ context.Context, _, _ string) (string, error) {
	return c.response, nil
}

func (c *cannedLLM) CompleteJSON(_ context.Context, _, user string) (string, error) {
	c.lastUser = user
	return c.response, nil
}

func (c *cannedLLM) Stream(_ context.Context, _, _ string, onToken func(string)) (string, error) {
	onToken(c.response)
	return c.response, nil
}

func screenerRig(t *testing.T) (*store.Memory, *keyring.Ring, int64) {
	t.Helper()
	mem := store.NewMemory()
	wrapper, err := crypto.NewKeyWrapper(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	ring, err := keyring.New(mem, wrapper)
	require.NoError(t, err)
	roomKey, err := crypto.NewRoomKey()
	require.NoError(t, err)
	sealed, err := wrapper.Wrap(roomKey)
	require.NoError(t, err)
	room, err := mem.CreateRoom(context.Background(), "general", []string{"alice", "bob"}, sealed)
	require.NoError(t, err)
	return mem, ring, room.ID
}

func sealMsg(t *testing.T, mem *store.Memory, ring *keyring.Ring, roomID int64, author, text string) store.Message {
	t.Helper()
	ctx := context.Background()
	key, _, err := ring.RoomKey(ctx, roomID)
	require.NoError(t, err)
	sealed, err := crypto.SealContent(key, text)
	require.NoError(t, err)
	msg, err := mem.AppendMessage(ctx, &store.Message{RoomID: roomID, Author: author, Content: sealed})
	require.NoError(t, err)
	return *msg
}

func TestScreenDecryptsAndGroupsFlagsByAuthor(t *testing.T) {
	mem, ring, roomID := screenerRig(t)
	llmFake := &cannedLLM{response: `{"flagged": [1, 3]}`}
	s := NewLLMScreener(llmFake, ring)

	msgs := []store.Message{
		sealMsg(t, mem, ring, roomID, "bob", "you are worthless, leave"),
		sealMsg(t, mem, ring, roomID, "alice", "let's ship on friday"),
		sealMsg(t, mem, ring, roomID, "bob", "I know where you live"),
	}

	flagged, err := s.Screen(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.ElementsMatch(t, []int64{msgs[0].ID, msgs[2].ID}, flagged["bob"])

	// Prompt carries plaintext, not envelopes.
	assert.Contains(t, llmFake.lastUser, "worthless")
	assert.NotContains(t, llmFake.lastUser, "ciphertext")
}

func TestScreenSkipsRowsThatFailToOpen(t *testing.T) {
	mem, ring, roomID := screenerRig(t)
	llmFake := &cannedLLM{response: `{"flagged": [1]}`}
	s := NewLLMScreener(llmFake, ring)

	good := sealMsg(t, mem, ring, roomID, "bob", "flag me")
	bad, err := mem.AppendMessage(context.Background(), &store.Message{RoomID: 999, Author: "eve", Content: "whatever"})
	require.NoError(t, err)

	// The unopenable row is not numbered, so index 1 is the good row.
	flagged, err := s.Screen(context.Background(), []store.Message{*bad, good})
	require.NoError(t, err)
	assert.Equal(t, []int64{good.ID}, flagged["bob"])
}

func TestScreenRepairsSloppyJSON(t *testing.T) {
	mem, ring, roomID := screenerRig(t)
	llmFake := &cannedLLM{response: "{\"flagged\": [1],}"}
	s := NewLLMScreener(llmFake, ring)

	msg := sealMsg(t, mem, ring, roomID, "bob", "nasty stuff")
	flagged, err := s.Screen(context.Background(), []store.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, []int64{msg.ID}, flagged["bob"])
}

func TestScreenIgnoresOutOfRangeIndices(t *testing.T) {
	mem, ring, roomID := screenerRig(t)
	llmFake := &cannedLLM{response: `{"flagged": [0, 2, 7]}`}
	s := NewLLMScreener(llmFake, ring)

	msgs := []store.Message{
		sealMsg(t, mem, ring, roomID, "alice", "fine"),
		sealMsg(t, mem, ring, roomID, "bob", "also fine"),
	}
	flagged, err := s.Screen(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, []int64{msgs[1].ID}, flagged["bob"])
}
