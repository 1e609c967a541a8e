package ws

import (
	"encoding/json"
	"time"

	"github.com/notehub/chat/internal/model"
)

type EventType string

// Client → Gateway.
const (
	EventJoin        EventType = "chat:join"
	EventLeave       EventType = "chat:leave"
	EventSendMessage EventType = "chat:message:send"
	EventTyping      EventType = "chat:typing"
	EventRead        EventType = "chat:read"
	EventMessageRead EventType = "chat:message:read"
	EventReactionAdd EventType = "chat:reaction:add"
	EventReactionRem EventType = "chat:reaction:remove"
	EventPin         EventType = "chat:message:pin"
	EventUnpin       EventType = "chat:message:unpin"
	EventTheme       EventType = "chat:room:theme"
	EventStatus      EventType = "user:status"
)

// Gateway → Clients. chat:typing, chat:read, chat:message:read and user:status
// use the same name in both directions.
const (
	EventMessage         EventType = "chat:message"
	EventReactionAdded   EventType = "chat:reaction:added"
	EventReactionRemoved EventType = "chat:reaction:removed"
	EventMessagePinned   EventType = "chat:message:pinned"
	EventMessageUnpinned EventType = "chat:message:unpinned"
	EventMessageDeleted  EventType = "chat:message:deleted"
	EventThemeUpdated    EventType = "chat:room:theme:updated"
	EventRoomCreated     EventType = "chat:room:created"
	EventRoomDeleted     EventType = "chat:room:deleted"
	EventParticipants    EventType = "chat:room:participants"
	EventUserOnline      EventType = "user:online"
	EventUserOffline     EventType = "user:offline"
	EventAck             EventType = "ack"
)

// IncomingMessage is what the client sends to the server. Ack, when present,
// is echoed back in the acknowledgment frame.
type IncomingMessage struct {
	Type    EventType       `json:"type"`
	Ack     *int64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutgoingMessage is what the server sends to the client: either an event
// (Type + Payload) or an acknowledgment (Type=ack + Ack/OK/Error/Data).
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Ack     *int64    `json:"ack,omitempty"`
	OK      *bool     `json:"ok,omitempty"`
	Error   string    `json:"error,omitempty"`
	Data    any       `json:"data,omitempty"`
}

func ackFrame(id *int64, res Result, errMsg string) OutgoingMessage {
	ok := res.Err == nil
	out := OutgoingMessage{Type: EventAck, Ack: id, OK: &ok}
	if ok {
		out.Data = res.Data
	} else {
		out.Error = errMsg
	}
	return out
}

// --- inbound payloads ---

type roomPayload struct {
	RoomID int64 `json:"roomId"`
}

type sendPayload struct {
	RoomID   int64   `json:"roomId"`
	Message  string  `json:"message"`
	PhotoURL *string `json:"photoUrl,omitempty"`
}

type typingPayload struct {
	RoomID   int64 `json:"roomId"`
	IsTyping bool  `json:"isTyping"`
}

type messageRefPayload struct {
	RoomID    int64 `json:"roomId"`
	MessageID int64 `json:"messageId"`
}

type reactionPayload struct {
	RoomID    int64  `json:"roomId"`
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type themePayload struct {
	RoomID int64  `json:"roomId"`
	Theme  string `json:"theme"`
}

type statusPayload struct {
	Status model.UserStatus `json:"status"`
}

// --- outbound payloads ---

// MessagePayload is broadcast for every committed message.
type MessagePayload struct {
	RoomID  int64          `json:"roomId"`
	Message *model.Message `json:"message"`
}

// TypingPayload goes to the room channel, excluding the typist's connections.
type TypingPayload struct {
	RoomID   int64  `json:"roomId"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ReadPayload is broadcast when a participant advances the read watermark.
type ReadPayload struct {
	RoomID int64     `json:"roomId"`
	UserID int64     `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// MessageReadPayload is broadcast for a per-message read receipt.
type MessageReadPayload struct {
	RoomID    int64     `json:"roomId"`
	MessageID int64     `json:"messageId"`
	UserID    int64     `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// ReactionPayload is broadcast when a reaction is added or removed.
type ReactionPayload struct {
	RoomID    int64  `json:"roomId"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Username  string `json:"username,omitempty"`
	Emoji     string `json:"emoji"`
}

// PinPayload is broadcast when a message is pinned or unpinned.
type PinPayload struct {
	RoomID    int64          `json:"roomId"`
	MessageID int64          `json:"messageId"`
	UserID    int64          `json:"userId"`
	Message   *model.Message `json:"message,omitempty"`
}

// MessageDeletedPayload carries the room's new last message (null when the room is empty).
type MessageDeletedPayload struct {
	RoomID      int64          `json:"roomId"`
	MessageID   int64          `json:"messageId"`
	LastMessage *model.Message `json:"lastMessage"`
}

// ThemePayload is broadcast when a room theme changes.
type ThemePayload struct {
	RoomID int64  `json:"roomId"`
	Theme  string `json:"theme"`
	UserID int64  `json:"userId"`
}

// RoomPayload is broadcast when a room is deleted or a participant leaves.
type RoomPayload struct {
	RoomID int64 `json:"roomId"`
	UserID int64 `json:"userId,omitempty"`
}

// ParticipantsPayload is broadcast when group membership changes.
type ParticipantsPayload struct {
	RoomID  int64   `json:"roomId"`
	Added   []int64 `json:"added,omitempty"`
	Removed []int64 `json:"removed,omitempty"`
}

// UserStatusPayload is used by user:online, user:offline and user:status.
type UserStatusPayload struct {
	UserID int64            `json:"userId"`
	Status model.UserStatus `json:"status,omitempty"`
}
