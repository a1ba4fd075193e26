// Package models defines the marketplace messaging data types shared by the
// REST client, the realtime transports and the local inbox.
package models

import (
	"slices"
	"time"
)

// MessageType is the content kind of a message.
type MessageType string

// Message types understood by the marketplace API.
const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeAudio  MessageType = "audio"
	MessageTypeVideo  MessageType = "video"
	MessageTypeOffer  MessageType = "offer"
	MessageTypeOrder  MessageType = "order"
	MessageTypeSystem MessageType = "system"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

// Delivery states.
const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessagePriority orders messages for notification purposes.
type MessagePriority string

// Priorities.
const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// Attachment describes a file attached to a message.
type Attachment struct {
	URL          string  `json:"url"`
	FileName     string  `json:"file_name,omitempty"`
	MimeType     string  `json:"mime_type,omitempty"`
	Size         int64   `json:"size,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
}

// Message is a single chat message. It belongs to exactly one conversation.
type Message struct {
	ID              string          `json:"id" validate:"required"`
	ConversationID  string          `json:"conversation_id" validate:"required"`
	SenderID        string          `json:"sender_id" validate:"required"`
	RecipientID     string          `json:"recipient_id,omitempty"`
	Type            MessageType     `json:"type"`
	Content         string          `json:"content"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	Status          MessageStatus   `json:"status"`
	Priority        MessagePriority `json:"priority,omitempty"`
	ReplyToID       string          `json:"reply_to_id,omitempty"`
	ForwardedFromID string          `json:"forwarded_from_id,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	EditedAt        *time.Time      `json:"edited_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	ReadAt          *time.Time      `json:"read_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the message was soft deleted.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// IsExpired reports whether the message expired at or before now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

var statusTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusSending:   {MessageStatusSent, MessageStatusFailed},
	MessageStatusFailed:    {MessageStatusSending},
	MessageStatusSent:      {MessageStatusDelivered, MessageStatusRead},
	MessageStatusDelivered: {MessageStatusRead},
}

// CanTransitionTo reports whether status may move to next. Delivered messages
// only move forward to read; read is terminal.
func (m *Message) CanTransitionTo(next MessageStatus) bool {
	if m.Status == next {
		return true
	}
	return slices.Contains(statusTransitions[m.Status], next)
}

// MarkRead moves the message to the read state. It returns false when the
// transition is not allowed.
func (m *Message) MarkRead(at time.Time) bool {
	if !m.CanTransitionTo(MessageStatusRead) {
		return false
	}
	m.Status = MessageStatusRead
	if m.ReadAt == nil {
		t := at
		m.ReadAt = &t
	}
	return true
}

// ConversationType distinguishes direct chats from group, support and order threads.
type ConversationType string

// Conversation types.
const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationSupport ConversationType = "support"
	ConversationOrder   ConversationType = "order"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation states.
const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationBlocked  ConversationStatus = "blocked"
	ConversationMuted    ConversationStatus = "muted"
)

// Conversation is a thread between participants, optionally tied to a product or order.
type Conversation struct {
	ID             string             `json:"id" validate:"required"`
	Type           ConversationType   `json:"type"`
	Subject        string             `json:"subject,omitempty"`
	Title          string             `json:"title,omitempty"`
	Description    string             `json:"description,omitempty"`
	CreatorID      string             `json:"creator_id"`
	Status         ConversationStatus `json:"status"`
	ProductID      string             `json:"product_id,omitempty"`
	OrderID        string             `json:"order_id,omitempty"`
	ParticipantIDs []string           `json:"participant_ids"`
	LastMessageID  string             `json:"last_message_id,omitempty"`
	LastMessageAt  *time.Time         `json:"last_message_at,omitempty"`
	LastMessage    *Message           `json:"last_message,omitempty"`
	MessageCount   int                `json:"message_count"`
	UnreadCount    map[string]int     `json:"unread_count,omitempty"`
	MutedBy        []string           `json:"muted_by,omitempty"`
	BlockedBy      []string           `json:"blocked_by,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// IsMutedBy reports whether userID muted the conversation.
func (c *Conversation) IsMutedBy(userID string) bool {
	return slices.Contains(c.MutedBy, userID)
}

// IsBlockedBy reports whether userID blocked the conversation.
func (c *Conversation) IsBlockedBy(userID string) bool {
	return slices.Contains(c.BlockedBy, userID)
}

// UnreadFor returns the unread counter of userID.
func (c *Conversation) UnreadFor(userID string) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[userID]
}

// ApplyMessage records a new message on the conversation: counters, last
// message fields and unread counts of every participant except the sender.
func (c *Conversation) ApplyMessage(m Message) {
	c.MessageCount++
	c.LastMessageID = m.ID
	at := m.CreatedAt
	c.LastMessageAt = &at
	msg := m
	c.LastMessage = &msg
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int, len(c.ParticipantIDs))
	}
	for _, p := range c.ParticipantIDs {
		if p == m.SenderID {
			continue
		}
		c.UnreadCount[p]++
	}
}

// ClearUnread resets the unread counter of userID.
func (c *Conversation) ClearUnread(userID string) {
	if c.UnreadCount != nil {
		delete(c.UnreadCount, userID)
	}
}

// ConversationPage is one page of a user's conversation list.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	Page          int            `json:"page"`
	PageSize      int            `json:"page_size"`
	HasMore       bool           `json:"has_more"`
}

// ConversationHistory is one page of messages of a conversation. Messages are
// ordered newest first.
type ConversationHistory struct {
	Conversation *Conversation `json:"conversation,omitempty"`
	Messages     []Message     `json:"messages"`
	Total        int           `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	HasMore      bool          `json:"has_more"`
}

// SendMessageRequest is the body of a send-message call.
type SendMessageRequest struct {
	Content         string          `json:"content"`
	Type            MessageType     `json:"type,omitempty"`
	RecipientID     string          `json:"recipient_id,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	Priority        MessagePriority `json:"priority,omitempty"`
	ReplyToID       string          `json:"reply_to_id,omitempty"`
	ForwardedFromID string          `json:"forwarded_from_id,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
}

// CreateConversationRequest is the body of a create-conversation call.
type CreateConversationRequest struct {
	Type           ConversationType `json:"type"`
	ParticipantIDs []string         `json:"participant_ids"`
	Subject        string           `json:"subject,omitempty"`
	Title          string           `json:"title,omitempty"`
	Description    string           `json:"description,omitempty"`
	ProductID      string           `json:"product_id,omitempty"`
	OrderID        string           `json:"order_id,omitempty"`
	InitialMessage string           `json:"initial_message,omitempty"`
}
