package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/korvo-chat/backend/internal/blob"
	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/keyring"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/moderation"
	"github.com/korvo-chat/backend/internal/presence"
	"github.com/korvo-chat/backend/internal/proactive"
	"github.com/korvo-chat/backend/internal/ratelimit"
	"github.com/korvo-chat/backend/internal/roomctx"
	"github.com/korvo-chat/backend/internal/store"
)

const (
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 16 << 20 // voice payloads arrive base64 inline
	sendBuffer    = 256

	fetchPageSize   = 50
	disconnectGrace = 2 * time.Second
)

// sessionState tracks the connect lifecycle.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateJoined
	stateActive
	stateClosing
	stateClosed
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Authenticator resolves the connecting user. The identity provider is
// external; the hub only needs a verified username.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Server upgrades connections and runs sessions.
type Server struct {
	hub       *Hub
	auth      Authenticator
	store     store.Store
	ring      *keyring.Ring
	presence  *presence.Store
	gate      *ratelimit.Gate
	mod       *moderation.Buffer
	blobs     blob.Store
	refresher *roomctx.Refresher
	nudges    *proactive.Engine
	orch      Orchestrator
	log       *slog.Logger

	mentionPrefix    string
	rotationInterval time.Duration
	rotationMessages int
}

// ServerConfig wires the session dependencies.
type ServerConfig struct {
	Hub              *Hub
	Auth             Authenticator
	Store            store.Store
	Ring             *keyring.Ring
	Presence         *presence.Store
	Gate             *ratelimit.Gate
	Moderation       *moderation.Buffer
	Blobs            blob.Store
	Context          *roomctx.Refresher
	Nudges           *proactive.Engine
	Orchestrator     Orchestrator
	MentionPrefix    string // default "@assistant"
	RotationInterval time.Duration
	RotationMessages int
	Log              *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MentionPrefix == "" {
		cfg.MentionPrefix = "@assistant"
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = 24 * time.Hour
	}
	if cfg.RotationMessages == 0 {
		cfg.RotationMessages = 1000
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{
		hub:              cfg.Hub,
		auth:             cfg.Auth,
		store:            cfg.Store,
		ring:             cfg.Ring,
		presence:         cfg.Presence,
		gate:             cfg.Gate,
		mod:              cfg.Moderation,
		blobs:            cfg.Blobs,
		refresher:        cfg.Context,
		nudges:           cfg.Nudges,
		orch:             cfg.Orchestrator,
		log:              cfg.Log,
		mentionPrefix:    strings.ToLower(cfg.MentionPrefix),
		rotationInterval: cfg.RotationInterval,
		rotationMessages: cfg.RotationMessages,
	}
}

// Register mounts GET /ws/{room}.
func (srv *Server) Register(r *mux.Router) {
	r.HandleFunc("/ws/{room}", srv.HandleWS).Methods(http.MethodGet)
}

// Session is one connected client bound to one room.
type Session struct {
	id     string
	user   string
	roomID int64

	srv  *Server
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	state sessionState

	// key rotation cadence, read pump only
	roomKey       []byte
	keyVersion    int
	msgsSinceRead int
	lastKeyRead   time.Time
}

// HandleWS runs the connect state machine: authenticate (4001), verify
// membership (4003), load the room key (4002), then join and pump.
func (srv *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &Session{
		id:    uuid.NewString(),
		srv:   srv,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		state: stateConnecting,
	}

	user, err := srv.auth.Authenticate(r)
	if err != nil {
		s.reject(chaterr.CloseUnauthenticated, "authentication required")
		return
	}
	s.user = user
	s.state = stateAuthenticated

	roomID, err := strconv.ParseInt(mux.Vars(r)["room"], 10, 64)
	if err != nil {
		s.reject(chaterr.CloseNotMember, "unknown room")
		return
	}
	s.roomID = roomID

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	member, err := srv.store.IsMember(ctx, roomID, user)
	if err != nil || !member {
		s.reject(chaterr.CloseNotMember, "not a room member")
		return
	}

	key, version, err := srv.ring.RoomKey(ctx, roomID)
	if err != nil {
		s.reject(chaterr.CloseSecureInitFail, "secure session init failed")
		return
	}
	s.roomKey = key
	s.keyVersion = version
	s.lastKeyRead = time.Now()

	if err := srv.hub.join(s); err != nil {
		s.reject(chaterr.CloseSecureInitFail, "room unavailable")
		return
	}
	s.state = stateJoined

	// Online broadcast goes out before the snapshot so the snapshot the
	// new client receives already reflects its own presence.
	srv.announceOnline(ctx, s)
	s.state = stateActive

	srv.log.Info("session connected", "user", user, "room", roomID, "session", s.id)
	metrics.ConnectedSessions.Inc()
	go s.writePump()
	go s.readPump()
}

func (srv *Server) announceOnline(ctx context.Context, s *Session) {
	now := time.Now()
	if err := srv.presence.Remove(ctx, s.roomID, s.user); err != nil {
		srv.log.Warn("presence remove failed", "user", s.user, "error", err)
	}
	if err := srv.presence.Add(ctx, s.roomID, s.user); err != nil {
		srv.log.Warn("presence add failed", "user", s.user, "error", err)
	}
	if err := srv.presence.Touch(ctx, s.user, now); err != nil {
		srv.log.Warn("presence touch failed", "user", s.user, "error", err)
	}

	srv.hub.Broadcast(ctx, s.roomID, Event{
		Type: EvtPresence, RoomID: s.roomID, User: s.user, Status: "online", LastSeen: &now,
	})

	room, err := srv.store.GetRoom(ctx, s.roomID)
	if err != nil {
		srv.log.Warn("snapshot room load failed", "room", s.roomID, "error", err)
		return
	}
	snapshot, err := srv.presence.Snapshot(ctx, s.roomID, room.Members)
	if err != nil {
		srv.log.Warn("presence snapshot failed", "room", s.roomID, "error", err)
		return
	}
	s.enqueue(marshalEvent(Event{Type: EvtPresenceSnapshot, RoomID: s.roomID, Presence: snapshot}))
}

// reject closes a half-open connection with a protocol close code.
func (s *Session) reject(code int, reason string) {
	s.state = stateClosed
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}

func (s *Session) enqueue(raw []byte) {
	select {
	case s.send <- raw:
	default:
		s.srv.log.Warn("send buffer full, dropping frame", "session", s.id, "user", s.user)
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		s.state = stateClosing
		close(s.done)
		s.srv.hub.leave(s)

		// Presence cleanup is bounded; a wedged shared store must not pin
		// the session goroutine.
		ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
		defer cancel()
		now := time.Now()
		if err := s.srv.presence.Remove(ctx, s.roomID, s.user); err != nil {
			s.srv.log.Warn("disconnect presence remove failed", "user", s.user, "error", err)
		}
		if err := s.srv.presence.Touch(ctx, s.user, now); err != nil {
			s.srv.log.Warn("disconnect presence touch failed", "user", s.user, "error", err)
		}
		s.srv.hub.Broadcast(ctx, s.roomID, Event{
			Type: EvtPresence, RoomID: s.roomID, User: s.user, Status: "offline", LastSeen: &now,
		})

		_ = s.conn.Close()
		s.state = stateClosed
		metrics.ConnectedSessions.Dec()
		s.srv.log.Info("session closed", "user", s.user, "room", s.roomID, "session", s.id)
	})
}

// writePump owns all writes to the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case raw, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns all reads and routes commands.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.srv.log.Warn("read error", "session", s.id, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.systemError(MemberSystem, "unreadable command")
			continue
		}
		s.dispatch(cmd)
	}
}

// dispatch routes one command. Errors become system messages to the sender;
// the session stays active.
func (s *Session) dispatch(cmd Command) {
	if cmd.From != s.user {
		s.systemError(MemberSecurity, "sender identity mismatch")
		return
	}
	if cmd.ChatID != s.roomID {
		s.systemError(MemberSecurity, "room mismatch")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch cmd.Type {
	case CmdTyping:
		s.srv.hub.Broadcast(ctx, s.roomID, Event{Type: EvtTyping, RoomID: s.roomID, From: s.user})
	case CmdFetchMessages:
		err = s.handleFetch(ctx, cmd)
	case CmdNewMessage:
		err = s.handleNewMessage(ctx, cmd)
	case CmdFileMessage:
		err = s.handleUpload(ctx, cmd, false)
	case CmdVoiceMessage:
		err = s.handleUpload(ctx, cmd, true)
	case CmdGetQuotas:
		err = s.handleQuotas(ctx)
	default:
		s.systemError(MemberSystem, fmt.Sprintf("unknown command %q", cmd.Type))
		return
	}
	if err != nil {
		member := MemberSystem
		switch chaterr.KindOf(err) {
		case chaterr.RateLimited, chaterr.Muted, chaterr.Forbidden, chaterr.Tamper:
			member = MemberSecurity
		}
		s.srv.log.Warn("command failed", "type", cmd.Type, "user", s.user, "error", err)
		s.systemError(member, chaterr.UserMessage(err))
	}
}

func (s *Session) systemError(member, text string) {
	s.enqueue(marshalEvent(Event{Type: EvtError, RoomID: s.roomID, Member: member, Error: text}))
}

// refreshKeyIfDue re-reads the room key when the rotation cadence says so.
func (s *Session) refreshKeyIfDue(ctx context.Context) {
	s.msgsSinceRead++
	if s.msgsSinceRead < s.srv.rotationMessages && time.Since(s.lastKeyRead) < s.srv.rotationInterval {
		return
	}
	key, version, err := s.srv.ring.Reload(ctx, s.roomID)
	if err != nil {
		s.srv.log.Warn("room key reload failed", "room", s.roomID, "error", err)
		return
	}
	if version != s.keyVersion {
		s.srv.log.Info("room key rotated", "room", s.roomID, "version", version)
	}
	s.roomKey = key
	s.keyVersion = version
	s.msgsSinceRead = 0
	s.lastKeyRead = time.Now()
}

func (s *Session) handleNewMessage(ctx context.Context, cmd Command) error {
	text := cmd.Message
	if text == "" {
		return chaterr.New(chaterr.Invalid, "empty message")
	}
	if len(text) > maxMessageChars {
		return chaterr.New(chaterr.Invalid, "message is too long")
	}

	if muted, err := s.srv.mod.IsMuted(ctx, s.roomID, s.user); err != nil {
		return err
	} else if muted {
		return chaterr.ErrMuted
	}
	if ok, err := s.srv.gate.Allow(ctx, ratelimit.ScopeChatMessages, s.user); err != nil {
		return err
	} else if !ok {
		metrics.RateLimitDenials.WithLabelValues(string(ratelimit.ScopeChatMessages)).Inc()
		return chaterr.ErrRateLimited
	}

	s.refreshKeyIfDue(ctx)

	msg, err := s.persist(ctx, text, cmd.ReplyTo, "", false)
	if err != nil {
		return err
	}
	s.afterMessage(ctx, msg, text)

	if trimmed := strings.TrimSpace(text); strings.HasPrefix(strings.ToLower(trimmed), s.srv.mentionPrefix) {
		if s.srv.orch != nil {
			mention := strings.TrimSpace(trimmed[len(s.srv.mentionPrefix):])
			go s.srv.orch.HandleMention(context.WithoutCancel(ctx), s.user, s.roomID, mention)
		}
	}
	return nil
}

func (s *Session) handleUpload(ctx context.Context, cmd Command, voice bool) error {
	if ok, err := s.srv.gate.Allow(ctx, ratelimit.ScopeFileUploads, s.user); err != nil {
		return err
	} else if !ok {
		metrics.RateLimitDenials.WithLabelValues(string(ratelimit.ScopeFileUploads)).Inc()
		return chaterr.ErrRateLimited
	}

	data, err := base64.StdEncoding.DecodeString(cmd.FileData)
	if err != nil {
		return chaterr.Wrap(chaterr.Invalid, "file_data is not valid base64", err)
	}
	if voice {
		err = blob.ValidateVoice(cmd.FileName, len(data))
	} else {
		err = blob.ValidateFile(cmd.FileName, len(data))
	}
	if err != nil {
		return err
	}

	url, err := s.srv.blobs.Put(ctx, blob.Key(s.roomID, cmd.FileName), data, blob.ContentTypeFor(cmd.FileName))
	if err != nil {
		return err
	}

	s.refreshKeyIfDue(ctx)
	var content string
	if voice {
		content = fmt.Sprintf("[voice] %s", url)
	} else {
		content = fmt.Sprintf("[file] %s (%s)", url, cmd.FileName)
	}
	msg, err := s.persist(ctx, content, nil, urlIfVoice(url, voice), voice)
	if err != nil {
		return err
	}
	s.afterMessage(ctx, msg, content)
	return nil
}

func urlIfVoice(url string, voice bool) string {
	if voice {
		return url
	}
	return ""
}

func (s *Session) persist(ctx context.Context, text string, replyTo *int64, audioRef string, voice bool) (*store.Message, error) {
	sealed, err := crypto.SealContent(s.roomKey, text)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Internal, "failed to seal message", err)
	}
	metrics.MessagesPersisted.Inc()
	return s.srv.store.AppendMessage(ctx, &store.Message{
		RoomID:   s.roomID,
		Author:   s.user,
		ParentID: replyTo,
		Content:  sealed,
		AudioRef: audioRef,
		IsVoice:  voice,
	})
}

// afterMessage runs the shared post-persist fan-out: moderation buffering,
// group broadcast, context refresh, and nudge scheduling.
func (s *Session) afterMessage(ctx context.Context, msg *store.Message, plaintext string) {
	if err := s.srv.mod.Append(ctx, s.roomID, msg.ID); err != nil {
		s.srv.log.Warn("moderation append failed", "message", msg.ID, "error", err)
	}

	s.srv.hub.Broadcast(ctx, s.roomID, Event{
		Type:   EvtNewMessage,
		RoomID: s.roomID,
		Message: &MessageView{
			ID: msg.ID, RoomID: s.roomID, Author: s.user, Content: plaintext,
			ReplyTo: msg.ParentID, IsVoice: msg.IsVoice, AudioRef: msg.AudioRef,
			CreatedAt: msg.CreatedAt,
		},
	})

	bg := context.WithoutCancel(ctx)
	if s.srv.refresher != nil {
		go func() {
			if err := s.srv.refresher.OnMessage(bg, s.roomID); err != nil {
				s.srv.log.Warn("context refresh check failed", "room", s.roomID, "error", err)
			}
		}()
	}
	if s.srv.nudges != nil {
		if err := s.srv.nudges.OnUserMessage(ctx, s.user, s.roomID); err != nil {
			s.srv.log.Warn("nudge scheduling failed", "user", s.user, "error", err)
		}
	}
}

// handleFetch pages backwards through history, decrypting per item.
func (s *Session) handleFetch(ctx context.Context, cmd Command) error {
	page, err := s.srv.store.PageMessages(ctx, s.roomID, cmd.BeforeID, fetchPageSize)
	if err != nil {
		return err
	}

	views := make([]MessageView, 0, len(page.Messages))
	for i := range page.Messages {
		m := &page.Messages[i]
		plain, err := crypto.Open(s.roomKey, m.Content)
		if err != nil {
			// One bad row must not hide the rest of the page.
			s.srv.log.Warn("failed to decrypt message", "message", m.ID, "error", err)
			plain = "[unreadable message]"
		}
		views = append(views, MessageView{
			ID: m.ID, RoomID: m.RoomID, Author: m.Author, Content: plain,
			ReplyTo: m.ParentID, IsVoice: m.IsVoice, AudioRef: m.AudioRef,
			CreatedAt: m.CreatedAt,
		})
	}

	s.enqueue(marshalEvent(Event{
		Type: EvtMessages, RoomID: s.roomID,
		Messages: views, HasMore: page.HasMore, OldestID: page.OldestID,
	}))
	return nil
}

func (s *Session) handleQuotas(ctx context.Context) error {
	quotas, err := s.srv.gate.Quotas(ctx, s.user)
	if err != nil {
		return err
	}
	s.enqueue(marshalEvent(Event{Type: EvtUserQuotas, RoomID: s.roomID, Quotas: quotas}))
	return nil
}
