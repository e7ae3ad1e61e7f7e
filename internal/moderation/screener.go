package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/llm"
	"github.com/korvo-chat/backend/internal/store"
)

const screenSystemPrompt = `You are a chat moderator. You receive a numbered list of messages.
Flag messages that contain harassment, hate speech, threats, sexual content
involving minors, or doxxing. Normal disagreement, profanity in frustration,
and dark humor between friends are NOT flagged.
Respond with JSON: {"flagged": [<numbers of flagged messages>]}. Flag nothing: {"flagged": []}.`

// LLMScreener screens moderation batches with a completion model. Message
// rows arrive sealed; the screener opens them with the room key before
// building the prompt. Rows that fail to open are skipped, not flagged.
type LLMScreener struct {
	client llm.Client
	ring   *keyring.Ring
}

func NewLLMScreener(client llm.Client, ring *keyring.Ring) *LLMScreener {
	return &LLMScreener{client: client, ring: ring}
}

func (s *LLMScreener) Screen(ctx context.Context, msgs []store.Message) (map[string][]int64, error) {
	var sb strings.Builder
	numbered := make([]store.Message, 0, len(msgs))
	for _, msg := range msgs {
		key, _, err := s.ring.RoomKey(ctx, msg.RoomID)
		if err != nil {
			continue
		}
		text, err := crypto.Open(key, msg.Content)
		if err != nil {
			continue
		}
		numbered = append(numbered, msg)
		fmt.Fprintf(&sb, "%d. [%s] %s\n", len(numbered), msg.Author, text)
	}
	if len(numbered) == 0 {
		return map[string][]int64{}, nil
	}

	out, err := s.client.CompleteJSON(ctx, screenSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("screen completion: %w", err)
	}

	var verdict struct {
		Flagged []int `json:"flagged"`
	}
	if err := json.Unmarshal([]byte(out), &verdict); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(out)
		if rerr != nil || json.Unmarshal([]byte(repaired), &verdict) != nil {
			return nil, fmt.Errorf("screen verdict is not valid JSON: %w", err)
		}
	}

	flagged := map[string][]int64{}
	for _, n := range verdict.Flagged {
		if n < 1 || n > len(numbered) {
			continue
		}
		msg := numbered[n-1]
		flagged[msg.Author] = append(flagged[msg.Author], msg.ID)
	}
	return flagged, nil
}
