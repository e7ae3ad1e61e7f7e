// Package stream turns token-by-token LLM output into paced chat chunks.
// Chunks are batched so the UI neither renders single characters nor stalls,
// and the finished text is persisted as a canonical assistant message the
// clients swap in for their streamed buffer.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/llm"
	"github.com/korvo-chat/backend/internal/store"
)

// AssistantAuthor is the author recorded on streamed assistant messages.
const AssistantAuthor = "assistant"

const (
	defaultFlushChars    = 20
	defaultFlushInterval = 200 * time.Millisecond
)

// Chunk is one streamed fragment. The final chunk always has IsFinal set,
// even when Text is empty, so clients can close their buffer.
type Chunk struct {
	StreamID string `json:"stream_id"`
	Text     string `json:"text"`
	IsFinal  bool   `json:"is_final"`
}

// Output receives chunks and the canonical saved message.
type Output interface {
	StreamChunk(ctx context.Context, roomID int64, c Chunk)
	AssistantMessageSaved(ctx context.Context, roomID int64, msg *store.Message, plaintext string)
}

// Config tunes chunk pacing.
type Config struct {
	FlushChars    int
	FlushInterval time.Duration
}

func (c *Config) defaults() {
	if c.FlushChars == 0 {
		c.FlushChars = defaultFlushChars
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
}

// Synthesizer streams an assistant reply into a room.
type Synthesizer struct {
	client llm.Client
	ring   *keyring.Ring
	store  store.Store
	out    Output
	cfg    Config
	now    func() time.Time
}

func New(client llm.Client, ring *keyring.Ring, st store.Store, out Output, cfg Config) *Synthesizer {
	cfg.defaults()
	return &Synthesizer{client: client, ring: ring, store: st, out: out, cfg: cfg, now: time.Now}
}

// Respond streams a completion into the room, then persists and announces
// the full text. Returns the saved message.
func (s *Synthesizer) Respond(ctx context.Context, roomID int64, system, user string) (*store.Message, error) {
	emitter := s.newEmitter(ctx, roomID)
	full, err := s.client.Stream(ctx, system, user, emitter.onToken)
	emitter.finish()
	if err != nil {
		return nil, err
	}
	return s.Persist(ctx, roomID, full)
}

// Announce streams pre-composed text through the same pacing, then persists
// it. Used for canned replies (clarifying questions, policy refusals) so
// clients see one consistent delivery path.
func (s *Synthesizer) Announce(ctx context.Context, roomID int64, text string) (*store.Message, error) {
	emitter := s.newEmitter(ctx, roomID)
	emitter.onToken(text)
	emitter.finish()
	return s.Persist(ctx, roomID, text)
}

// Persist encrypts and saves the full text and emits the saved event.
func (s *Synthesizer) Persist(ctx context.Context, roomID int64, text string) (*store.Message, error) {
	text = strings.TrimSpace(text)
	key, _, err := s.ring.RoomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.SealContent(key, text)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Internal, "failed to seal assistant reply", err)
	}
	msg, err := s.store.AppendMessage(ctx, &store.Message{
		RoomID:  roomID,
		Author:  AssistantAuthor,
		Content: sealed,
	})
	if err != nil {
		return nil, err
	}
	if s.out != nil {
		s.out.AssistantMessageSaved(ctx, roomID, msg, text)
	}
	return msg, nil
}

// emitter batches tokens into chunks. Leading whitespace is dropped until
// the first visible character so clients don't render a blank burst.
type emitter struct {
	s        *Synthesizer
	ctx      context.Context
	roomID   int64
	streamID string

	buf       strings.Builder
	started   bool
	lastFlush time.Time
	sentFinal bool
}

func (s *Synthesizer) newEmitter(ctx context.Context, roomID int64) *emitter {
	return &emitter{s: s, ctx: ctx, roomID: roomID, streamID: uuid.NewString(), lastFlush: s.now()}
}

func (e *emitter) onToken(token string) {
	if !e.started {
		token = strings.TrimLeft(token, " \t\r\n")
		if token == "" {
			return
		}
		e.started = true
	}
	e.buf.WriteString(token)
	if e.buf.Len() >= e.s.cfg.FlushChars || e.s.now().Sub(e.lastFlush) >= e.s.cfg.FlushInterval {
		e.flush(false)
	}
}

// finish flushes the remainder as the final chunk. The final chunk is sent
// even when nothing is buffered.
func (e *emitter) finish() {
	if e.sentFinal {
		return
	}
	e.flush(true)
	e.sentFinal = true
}

func (e *emitter) flush(final bool) {
	text := e.buf.String()
	if text == "" && !final {
		return
	}
	e.buf.Reset()
	e.lastFlush = e.s.now()
	if e.s.out != nil {
		e.s.out.StreamChunk(e.ctx, e.roomID, Chunk{StreamID: e.streamID, Text: text, IsFinal: final})
	}
}
