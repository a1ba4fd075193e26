package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"marketsync/internal/observability"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 64
)

// WSHub is implemented by hubs that own Clients.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one local event subscriber. With no conversation filter it
// receives every event; otherwise only events of the filtered conversations
// plus presence changes.
type Client struct {
	Hub WSHub

	// Conn is nil for clients that are drained directly from Send.
	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	mu      sync.RWMutex
	filter  map[string]struct{}
	closing sync.Once
}

// NewClient creates a Client subscribed to conversationIDs, or to everything
// when none are given.
func NewClient(hub WSHub, conn *websocket.Conn, conversationIDs ...string) *Client {
	c := &Client{
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		filter: make(map[string]struct{}, len(conversationIDs)),
	}
	for _, id := range conversationIDs {
		if id != "" {
			c.filter[id] = struct{}{}
		}
	}
	return c
}

// Wants reports whether an event of conversationID should reach the client.
// Events outside any conversation always do.
func (c *Client) Wants(conversationID string) bool {
	if conversationID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[conversationID]
	return ok
}

// Subscribe adds a conversation to the filter.
func (c *Client) Subscribe(conversationID string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	c.filter[conversationID] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes a conversation from the filter.
func (c *Client) Unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.filter, conversationID)
	c.mu.Unlock()
}

// control is a frame sent by a subscriber to change its filter.
type control struct {
	Type string `json:"type"`
	Data struct {
		ConversationID string `json:"conversation_id"`
	} `json:"data"`
}

func (c *Client) handleControl(raw []byte) {
	var msg control
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "subscribe":
		c.Subscribe(msg.Data.ConversationID)
	case "unsubscribe":
		c.Unsubscribe(msg.Data.ConversationID)
	}
}

// ReadPump reads filter changes from the connection until it closes, then
// unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.NewSyncLogger("relay").Debug(context.Background(), "subscriber read error", "hub", c.Hub.Name(), "error", err.Error())
			}
			break
		}
		c.handleControl(message)
	}
}

// WritePump pumps frames from Send to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. Full or closed buffers drop it.
func (c *Client) TrySend(message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			observability.RelayBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		}
	}()

	select {
	case c.Send <- message:
		return true
	default:
		observability.RelayBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
		return false
	}
}

func (c *Client) close() {
	c.closing.Do(func() { close(c.Send) })
}
