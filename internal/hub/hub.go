package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/stream"
)

// Orchestrator drives the assistant pipeline for an "@assistant" mention.
// It runs on its own goroutine; replies flow back through the hub as
// assistant_stream and assistant_message_saved events.
type Orchestrator interface {
	HandleMention(ctx context.Context, user string, roomID int64, text string)
}

// busFrame is what crosses the instance bus. Instance tags let a pod skip
// frames it already delivered locally.
type busFrame struct {
	Instance string `json:"instance"`
	RoomID   int64  `json:"room_id"`
	Event    Event  `json:"event"`
}

// Hub owns the room fan-out groups of this instance and bridges them to the
// other instances through the kv pub/sub bus.
type Hub struct {
	instance string
	bus      kv.Store
	log      *slog.Logger

	mu     sync.RWMutex
	rooms  map[int64]map[*Session]bool
	unsubs map[int64]func()
	closed bool
}

func New(bus kv.Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		instance: uuid.NewString(),
		bus:      bus,
		log:      log,
		rooms:    make(map[int64]map[*Session]bool),
		unsubs:   make(map[int64]func()),
	}
}

func roomChannel(roomID int64) string {
	return fmt.Sprintf("korvo:room:%d", roomID)
}

// join adds a session to its room group, subscribing the instance to the
// room channel on first join.
func (h *Hub) join(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub is shut down")
	}

	group, ok := h.rooms[s.roomID]
	if !ok {
		group = make(map[*Session]bool)
		h.rooms[s.roomID] = group
		unsub, err := h.bus.Subscribe(context.Background(), roomChannel(s.roomID), h.onBusFrame)
		if err != nil {
			delete(h.rooms, s.roomID)
			return err
		}
		h.unsubs[s.roomID] = unsub
	}
	group[s] = true
	return nil
}

// leave removes a session, dropping the channel subscription with the last
// member. Idempotent.
func (h *Hub) leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.rooms[s.roomID]
	if !ok {
		return
	}
	delete(group, s)
	if len(group) == 0 {
		delete(h.rooms, s.roomID)
		if unsub := h.unsubs[s.roomID]; unsub != nil {
			unsub()
		}
		delete(h.unsubs, s.roomID)
	}
}

// Broadcast delivers an event to every session in the room, here and on
// every other instance. Typing events never echo back to their sender.
func (h *Hub) Broadcast(ctx context.Context, roomID int64, evt Event) {
	h.deliverLocal(roomID, evt)

	frame := busFrame{Instance: h.instance, RoomID: roomID, Event: evt}
	raw, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to encode bus frame", "error", err)
		return
	}
	if err := h.bus.Publish(ctx, roomChannel(roomID), raw); err != nil {
		h.log.Error("bus publish failed", "room", roomID, "error", err)
	}
}

func (h *Hub) onBusFrame(raw []byte) {
	var frame busFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.log.Warn("dropping malformed bus frame", "error", err)
		return
	}
	if frame.Instance == h.instance {
		return // already delivered locally
	}
	h.deliverLocal(frame.RoomID, frame.Event)
}

func (h *Hub) deliverLocal(roomID int64, evt Event) {
	metrics.FanoutEvents.WithLabelValues(evt.Type).Inc()
	raw := marshalEvent(evt)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[roomID] {
		if evt.Type == EvtTyping && s.user == evt.From {
			continue
		}
		s.enqueue(raw)
	}
}

// sendTo delivers to one user's sessions in the room only.
func (h *Hub) sendTo(roomID int64, user string, evt Event) {
	raw := marshalEvent(evt)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[roomID] {
		if s.user == user {
			s.enqueue(raw)
		}
	}
}

// Shutdown closes every session and drops all subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0)
	for _, group := range h.rooms {
		for s := range group {
			sessions = append(sessions, s)
		}
	}
	for roomID, unsub := range h.unsubs {
		unsub()
		delete(h.unsubs, roomID)
	}
	h.rooms = make(map[int64]map[*Session]bool)
	h.closed = true
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// NudgeSent satisfies the proactive engine's broadcaster: a nudge is an
// ordinary assistant message to the room.
func (h *Hub) NudgeSent(ctx context.Context, roomID int64, msg *store.Message, plaintext string) {
	h.Broadcast(ctx, roomID, Event{
		Type:   EvtNewMessage,
		RoomID: roomID,
		Message: &MessageView{
			ID:        msg.ID,
			RoomID:    roomID,
			Author:    msg.Author,
			Content:   plaintext,
			CreatedAt: msg.CreatedAt,
		},
	})
}

// StreamChunk satisfies the synthesizer output: streamed assistant tokens
// fan out to the whole room.
func (h *Hub) StreamChunk(ctx context.Context, roomID int64, c stream.Chunk) {
	h.Broadcast(ctx, roomID, Event{
		Type:    EvtAssistantStream,
		RoomID:  roomID,
		Chunk:   c.Text,
		IsFinal: c.IsFinal,
	})
}

// AssistantMessageSaved announces the canonical persisted assistant message
// so clients replace their streamed buffer.
func (h *Hub) AssistantMessageSaved(ctx context.Context, roomID int64, msg *store.Message, plaintext string) {
	h.Broadcast(ctx, roomID, Event{
		Type:   EvtAssistantMessageSaved,
		RoomID: roomID,
		Message: &MessageView{
			ID:        msg.ID,
			RoomID:    roomID,
			Author:    msg.Author,
			Content:   plaintext,
			CreatedAt: msg.CreatedAt,
		},
	})
}
