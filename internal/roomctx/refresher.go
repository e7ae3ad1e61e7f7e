// Package roomctx keeps each room's running conversational context: a short
// summary, the active topics, typed notes, and a per-day rollup. Refreshes
// are throttled and run off the hot path; a malformed model response skips
// the refresh without touching state.
package roomctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/llm"
	"github.com/korvo-chat/backend/internal/store"
)

// Config sets the refresh throttle. A refresh runs when MinMessages AND
// MinMinutes are both met, or when either hard maximum is exceeded.
type Config struct {
	MinMessages int
	MinMinutes  int
	MaxMessages int
	MaxMinutes  int
	// RecentLimit caps how many messages one refresh reads.
	RecentLimit int
}

func (c *Config) defaults() {
	if c.MinMessages == 0 {
		c.MinMessages = 15
	}
	if c.MinMinutes == 0 {
		c.MinMinutes = 10
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 60
	}
	if c.MaxMinutes == 0 {
		c.MaxMinutes = 120
	}
	if c.RecentLimit == 0 {
		c.RecentLimit = 50
	}
}

// pendingTTL bounds one in-flight refresh per room.
const pendingTTL = 2 * time.Minute

// Refresher owns the context-refresh loop for all rooms.
type Refresher struct {
	store store.Store
	llm   llm.Client
	cache kv.Store
	ring  *keyring.Ring
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

func NewRefresher(st store.Store, client llm.Client, cache kv.Store, ring *keyring.Ring, cfg Config, log *slog.Logger) *Refresher {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Refresher{store: st, llm: client, cache: cache, ring: ring, cfg: cfg, log: log, now: time.Now}
}

// OnMessage bumps the room's message counter and refreshes the context if
// the throttle allows. Callers run it off the session goroutine.
func (r *Refresher) OnMessage(ctx context.Context, roomID int64) error {
	if err := r.store.BumpContextCounter(ctx, roomID); err != nil {
		return err
	}
	rc, err := r.store.GetRoomContext(ctx, roomID)
	if err != nil {
		return err
	}
	if !r.due(rc) {
		return nil
	}

	// One in-flight refresh per room.
	flag := fmt.Sprintf("korvo:ctx:refresh:%d", roomID)
	won, err := r.cache.SetNX(ctx, flag, []byte("1"), pendingTTL)
	if err != nil || !won {
		return err
	}
	defer func() { _ = r.cache.Del(context.WithoutCancel(ctx), flag) }()

	return r.refresh(ctx, roomID, rc)
}

func (r *Refresher) due(rc *RoomContextView) bool {
	if rc.MessagesSinceComp == 0 {
		return false
	}
	elapsed := r.now().Sub(rc.LastCompressedAt)
	if rc.MessagesSinceComp >= r.cfg.MaxMessages {
		return true
	}
	if elapsed >= time.Duration(r.cfg.MaxMinutes)*time.Minute {
		return true
	}
	return rc.MessagesSinceComp >= r.cfg.MinMessages &&
		elapsed >= time.Duration(r.cfg.MinMinutes)*time.Minute
}

// RoomContextView aliases the stored record for callers of due.
type RoomContextView = store.RoomContext

type refreshPayload struct {
	Summary      string   `json:"summary"`
	ActiveTopics []string `json:"active_topics"`
	Notes        []struct {
		Type     string   `json:"type"`
		Content  string   `json:"content"`
		Priority string   `json:"priority"`
		Tags     []string `json:"tags"`
	} `json:"notes"`
	Highlights []string `json:"highlights"`
}

const refreshSystemPrompt = `You maintain the running context of a group chat. Given a transcript, respond with JSON:
{"summary": "<at most 4 sentences>", "active_topics": ["<up to 5>"], "notes": [{"type": "decision|action_item|insight|reminder|reference", "content": "...", "priority": "low|medium|high", "tags": []}], "highlights": []}
Only include notes worth remembering. Respond with JSON only.`

func (r *Refresher) refresh(ctx context.Context, roomID int64, rc *store.RoomContext) error {
	limit := rc.MessagesSinceComp
	if limit > r.cfg.RecentLimit {
		limit = r.cfg.RecentLimit
	}
	msgs, err := r.store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	key, _, err := r.ring.RoomKey(ctx, roomID)
	if err != nil {
		return err
	}

	transcript := r.transcript(msgs, key)
	out, err := r.llm.CompleteJSON(ctx, refreshSystemPrompt, transcript)
	if err != nil {
		r.log.Warn("context refresh LLM call failed", "room", roomID, "error", err)
		return nil
	}

	payload, ok := decodePayload(out)
	if !ok {
		r.log.Warn("context refresh skipped: malformed model output", "room", roomID)
		return nil
	}

	return r.persist(ctx, roomID, rc, payload, len(msgs))
}

func (r *Refresher) transcript(msgs []store.Message, key []byte) string {
	var b strings.Builder
	for _, m := range msgs {
		text, err := crypto.Open(key, m.Content)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Author, text)
	}
	return b.String()
}

func decodePayload(out string) (refreshPayload, bool) {
	var p refreshPayload
	body := strings.TrimSpace(out)
	if i := strings.Index(body, "{"); i > 0 {
		body = body[i:]
	}
	if j := strings.LastIndex(body, "}"); j >= 0 {
		body = body[:j+1]
	}
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil || json.Unmarshal([]byte(repaired), &p) != nil {
			return p, false
		}
	}
	if strings.TrimSpace(p.Summary) == "" {
		return p, false
	}
	return p, true
}

func (r *Refresher) persist(ctx context.Context, roomID int64, rc *store.RoomContext, p refreshPayload, processed int) error {
	topics := p.ActiveTopics
	if len(topics) > 5 {
		topics = topics[:5]
	}
	rc.Summary = p.Summary
	rc.ActiveTopics = topics
	rc.MessagesSinceComp = 0
	rc.LastCompressedAt = r.now()
	if err := r.store.SaveRoomContext(ctx, rc); err != nil {
		return err
	}

	inserted := 0
	for _, n := range p.Notes {
		nt, np := store.NoteType(n.Type), store.NotePriority(n.Priority)
		if !store.ValidNoteType(nt) || !store.ValidNotePriority(np) || strings.TrimSpace(n.Content) == "" {
			continue
		}
		ok, err := r.store.InsertNote(ctx, &store.RoomNote{
			RoomID:    roomID,
			Type:      nt,
			Content:   n.Content,
			Priority:  np,
			Tags:      n.Tags,
			CreatedBy: "ai",
		})
		if err != nil {
			return err
		}
		if ok {
			inserted++
		}
	}

	return r.store.UpsertDailySummary(ctx, &store.DailySummary{
		RoomID:       roomID,
		Date:         r.now().Format("2006-01-02"),
		Summary:      p.Summary,
		MessageCount: processed,
		NoteCount:    inserted,
	})
}
