// Package hub implements the realtime chat fan-out: one WebSocket session
// per connected client, per-room broadcast groups, and a cross-instance bus
// so sessions on different pods see the same room.
package hub

import (
	"encoding/json"
	"time"

	"github.com/korvo-chat/backend/internal/presence"
	"github.com/korvo-chat/backend/internal/ratelimit"
)

// Inbound command types.
const (
	CmdTyping        = "typing"
	CmdFetchMessages = "fetch_messages"
	CmdNewMessage    = "new_message"
	CmdFileMessage   = "file_message"
	CmdVoiceMessage  = "voice_message"
	CmdGetQuotas     = "get_quotas"
)

// Outbound event types.
const (
	EvtPresenceSnapshot      = "presence_snapshot"
	EvtPresence              = "presence"
	EvtTyping                = "typing"
	EvtNewMessage            = "new_message"
	EvtMessages              = "messages"
	EvtAssistantStream       = "assistant_stream"
	EvtAssistantMessageSaved = "assistant_message_saved"
	EvtAssistantVoiceReady   = "assistant_voice_ready"
	EvtUserQuotas            = "user_quotas"
	EvtError                 = "error"
)

// System error senders.
const (
	MemberSecurity = "security system"
	MemberSystem   = "system"
)

const maxMessageChars = 5000

// Command is one inbound JSON frame. From must match the authenticated user
// and ChatID the room the socket is bound to.
type Command struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	ChatID   int64  `json:"chatid"`
	Message  string `json:"message,omitempty"`
	ReplyTo  *int64 `json:"reply_to,omitempty"`
	BeforeID int64  `json:"before_id,omitempty"`
	FileData string `json:"file_data,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Event is one outbound JSON frame.
type Event struct {
	Type      string                  `json:"type"`
	RoomID    int64                   `json:"chatid,omitempty"`
	From      string                  `json:"from,omitempty"`
	Member    string                  `json:"member,omitempty"`
	Message   *MessageView            `json:"message,omitempty"`
	Messages  []MessageView           `json:"messages,omitempty"`
	HasMore   bool                    `json:"has_more,omitempty"`
	OldestID  int64                   `json:"oldest_id,omitempty"`
	Presence  []presence.Entry        `json:"presence,omitempty"`
	User      string                  `json:"user,omitempty"`
	Status    string                  `json:"status,omitempty"`
	LastSeen  *time.Time              `json:"last_seen,omitempty"`
	Chunk     string                  `json:"chunk,omitempty"`
	IsFinal   bool                    `json:"is_final,omitempty"`
	MessageID int64                   `json:"message_id,omitempty"`
	AudioURL  string                  `json:"audio_url,omitempty"`
	Quotas    []ratelimit.QuotaStatus `json:"quotas,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// MessageView is a message decrypted for one client.
type MessageView struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"chatid"`
	Author    string    `json:"from"`
	Content   string    `json:"message"`
	ReplyTo   *int64    `json:"reply_to,omitempty"`
	IsVoice   bool      `json:"is_voice,omitempty"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

func marshalEvent(e Event) []byte {
	raw, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"error","error":"encoding failure"}`)
	}
	return raw
}
