// Package realtime keeps a user's conversations in sync with the marketplace:
// a WebSocket client with reconnect and queued joins, a polling fallback that
// diffs server timestamps, and a session that runs them side by side. Both
// transports produce the same Event union.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// EventType names a normalized sync event.
type EventType string

// Normalized event types.
const (
	EventNewMessage         EventType = "new_message"
	EventConversationUpdate EventType = "conversation_update"
	EventUserOnline         EventType = "user_online"
	EventUserOffline        EventType = "user_offline"
	EventTypingStart        EventType = "typing_start"
	EventTypingStop         EventType = "typing_stop"
	EventMessageRead        EventType = "message_read"
)

// Event is implemented only by the event types in this package.
type Event interface {
	Type() EventType
	OccurredAt() time.Time
	sealed()
}

// NewMessageEvent carries a message the viewer has not seen yet.
type NewMessageEvent struct {
	Message models.Message
	At      time.Time
}

func (NewMessageEvent) Type() EventType         { return EventNewMessage }
func (e NewMessageEvent) OccurredAt() time.Time { return e.At }
func (NewMessageEvent) sealed()                 {}

// ConversationUpdateEvent carries the latest server copy of a conversation.
type ConversationUpdateEvent struct {
	Conversation models.Conversation
	At           time.Time
}

func (ConversationUpdateEvent) Type() EventType         { return EventConversationUpdate }
func (e ConversationUpdateEvent) OccurredAt() time.Time { return e.At }
func (ConversationUpdateEvent) sealed()                 {}

// UserStatusEvent reports a presence change.
type UserStatusEvent struct {
	UserID   string
	Online   bool
	LastSeen *time.Time
	At       time.Time
}

func (e UserStatusEvent) Type() EventType {
	if e.Online {
		return EventUserOnline
	}
	return EventUserOffline
}
func (e UserStatusEvent) OccurredAt() time.Time { return e.At }
func (UserStatusEvent) sealed()                 {}

// TypingEvent reports that a participant started or stopped typing.
type TypingEvent struct {
	ConversationID string
	UserID         string
	Typing         bool
	At             time.Time
}

func (e TypingEvent) Type() EventType {
	if e.Typing {
		return EventTypingStart
	}
	return EventTypingStop
}
func (e TypingEvent) OccurredAt() time.Time { return e.At }
func (TypingEvent) sealed()                 {}

// MessageReadEvent reports that a participant read a message.
type MessageReadEvent struct {
	MessageID      string
	ConversationID string
	UserID         string
	ReadAt         time.Time
	At             time.Time
}

func (MessageReadEvent) Type() EventType         { return EventMessageRead }
func (e MessageReadEvent) OccurredAt() time.Time { return e.At }
func (MessageReadEvent) sealed()                 {}

// ConversationIDOf returns the conversation an event belongs to, or "" for
// presence events.
func ConversationIDOf(ev Event) string {
	switch e := ev.(type) {
	case NewMessageEvent:
		return e.Message.ConversationID
	case ConversationUpdateEvent:
		return e.Conversation.ID
	case TypingEvent:
		return e.ConversationID
	case MessageReadEvent:
		return e.ConversationID
	case UserStatusEvent:
		return ""
	default:
		panic(fmt.Sprintf("realtime: unhandled event %T", ev))
	}
}

// relayFrame is the encoding used when events leave the process.
type relayFrame struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type userStatusBody struct {
	UserID   string     `json:"user_id" validate:"required"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type typingBody struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
	IsTyping       bool   `json:"is_typing"`
}

type messageReadBody struct {
	MessageID      string     `json:"message_id" validate:"required"`
	ConversationID string     `json:"conversation_id" validate:"required"`
	UserID         string     `json:"user_id" validate:"required"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// MarshalEvent encodes ev as {"type","payload","timestamp"}.
func MarshalEvent(ev Event) ([]byte, error) {
	var body any
	switch e := ev.(type) {
	case NewMessageEvent:
		body = e.Message
	case ConversationUpdateEvent:
		body = e.Conversation
	case UserStatusEvent:
		body = userStatusBody{UserID: e.UserID, LastSeen: e.LastSeen}
	case TypingEvent:
		body = typingBody{ConversationID: e.ConversationID, UserID: e.UserID, IsTyping: e.Typing}
	case MessageReadEvent:
		readAt := e.ReadAt
		body = messageReadBody{
			MessageID:      e.MessageID,
			ConversationID: e.ConversationID,
			UserID:         e.UserID,
			ReadAt:         &readAt,
		}
	default:
		return nil, fmt.Errorf("marshal event: unsupported type %T", ev)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(relayFrame{Type: ev.Type(), Payload: payload, Timestamp: ev.OccurredAt().UTC()})
}

// UnmarshalEvent decodes the output of MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	return defaultDecoder.DecodeRelay(data)
}
