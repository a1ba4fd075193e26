package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"marketsync/internal/models"
)

// Decode failures. Callers drop the frame and keep reading.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Server frame types.
const (
	frameMessage            = "message"
	frameConversationUpdate = "conversation_update"
	frameUserOnline         = "user_online"
	frameUserOffline        = "user_offline"
	frameTyping             = "typing"
	frameMessageRead        = "message_read"
	framePong               = "pong"
)

// Client frame types.
const (
	framePing              = "ping"
	frameJoinConversation  = "join_conversation"
	frameLeaveConversation = "leave_conversation"
)

// Envelope is the wire frame used in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Decoder turns raw frames into events. Payloads are validated before any
// event is built.
type Decoder struct {
	validate *validator.Validate
	now      func() time.Time
}

var defaultDecoder = NewDecoder()

// NewDecoder returns a Decoder using the wall clock for frames without a timestamp.
func NewDecoder() *Decoder {
	return &Decoder{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// DecodeFrame decodes one server frame. It returns (nil, nil) for frames that
// carry no event, such as pong.
func DecodeFrame(raw []byte) (Event, error) {
	return defaultDecoder.DecodeFrame(raw)
}

// DecodeFrame decodes one server frame.
func (d *Decoder) DecodeFrame(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	at := d.timestamp(env.Timestamp)

	switch env.Type {
	case framePong:
		return nil, nil
	case frameMessage:
		var msg models.Message
		if err := d.payload(env.Data, &msg); err != nil {
			return nil, err
		}
		return NewMessageEvent{Message: msg, At: at}, nil
	case frameConversationUpdate:
		var conv models.Conversation
		if err := d.payload(env.Data, &conv); err != nil {
			return nil, err
		}
		return ConversationUpdateEvent{Conversation: conv, At: at}, nil
	case frameUserOnline, frameUserOffline:
		var body userStatusBody
		if err := d.payload(env.Data, &body); err != nil {
			return nil, err
		}
		return UserStatusEvent{
			UserID:   body.UserID,
			Online:   env.Type == frameUserOnline,
			LastSeen: body.LastSeen,
			At:       at,
		}, nil
	case frameTyping:
		var body typingBody
		if err := d.payload(env.Data, &body); err != nil {
			return nil, err
		}
		return TypingEvent{
			ConversationID: body.ConversationID,
			UserID:         body.UserID,
			Typing:         body.IsTyping,
			At:             at,
		}, nil
	case frameMessageRead:
		var body messageReadBody
		if err := d.payload(env.Data, &body); err != nil {
			return nil, err
		}
		readAt := at
		if body.ReadAt != nil {
			readAt = *body.ReadAt
		}
		return MessageReadEvent{
			MessageID:      body.MessageID,
			ConversationID: body.ConversationID,
			UserID:         body.UserID,
			ReadAt:         readAt,
			At:             at,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// DecodeRelay decodes a frame produced by MarshalEvent.
func (d *Decoder) DecodeRelay(raw []byte) (Event, error) {
	var frame relayFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	at := frame.Timestamp
	switch frame.Type {
	case EventNewMessage:
		var msg models.Message
		if err := d.payload(frame.Payload, &msg); err != nil {
			return nil, err
		}
		return NewMessageEvent{Message: msg, At: at}, nil
	case EventConversationUpdate:
		var conv models.Conversation
		if err := d.payload(frame.Payload, &conv); err != nil {
			return nil, err
		}
		return ConversationUpdateEvent{Conversation: conv, At: at}, nil
	case EventUserOnline, EventUserOffline:
		var body userStatusBody
		if err := d.payload(frame.Payload, &body); err != nil {
			return nil, err
		}
		return UserStatusEvent{UserID: body.UserID, Online: frame.Type == EventUserOnline, LastSeen: body.LastSeen, At: at}, nil
	case EventTypingStart, EventTypingStop:
		var body typingBody
		if err := d.payload(frame.Payload, &body); err != nil {
			return nil, err
		}
		return TypingEvent{ConversationID: body.ConversationID, UserID: body.UserID, Typing: frame.Type == EventTypingStart, At: at}, nil
	case EventMessageRead:
		var body messageReadBody
		if err := d.payload(frame.Payload, &body); err != nil {
			return nil, err
		}
		ev := MessageReadEvent{MessageID: body.MessageID, ConversationID: body.ConversationID, UserID: body.UserID, At: at}
		if body.ReadAt != nil {
			ev.ReadAt = *body.ReadAt
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, frame.Type)
	}
}

func (d *Decoder) payload(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: empty data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := d.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (d *Decoder) timestamp(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return d.now()
}

// encodeFrame builds a client frame.
func encodeFrame(frameType string, data any, at time.Time) Envelope {
	raw, err := json.Marshal(data)
	if err != nil || data == nil {
		raw = json.RawMessage(`{}`)
	}
	return Envelope{Type: frameType, Data: raw, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}
