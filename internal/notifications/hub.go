package notifications

import (
	"context"
	"errors"
	"sync"

	"github.com/gofiber/websocket/v2"

	"marketsync/internal/observability"
	"marketsync/internal/realtime"
)

const defaultMaxClients = 1024

// ErrHubFull is returned by Register when the subscriber limit is reached.
var ErrHubFull = errors.New("subscriber limit reached")

// ErrHubClosed is returned by Register after Shutdown.
var ErrHubClosed = errors.New("hub is shut down")

// Hub fans events out to local WebSocket subscribers.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
	closed     bool
	log        *observability.SyncLogger
}

// NewHub creates a Hub accepting up to maxClients subscribers. Zero means
// the default limit.
func NewHub(maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
		log:        observability.NewSyncLogger("relay_hub"),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "event hub" }

// Register adds a subscriber. conn may be nil when the caller drains Send itself.
func (h *Hub) Register(conn *websocket.Conn, conversationIDs ...string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if len(h.clients) >= h.maxClients {
		return nil, ErrHubFull
	}

	client := NewClient(h, conn, conversationIDs...)
	h.clients[client] = struct{}{}
	observability.RelaySubscribers.Set(float64(len(h.clients)))
	return client, nil
}

// UnregisterClient removes a subscriber and closes its Send channel.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	observability.RelaySubscribers.Set(float64(len(h.clients)))
	h.mu.Unlock()

	if ok {
		client.close()
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends ev to every subscriber whose filter matches. It returns the
// number of subscribers the event was queued for.
func (h *Hub) Publish(ev realtime.Event) int {
	payload, err := realtime.MarshalEvent(ev)
	if err != nil {
		h.log.Warn(context.Background(), "cannot encode event for subscribers", "event_type", string(ev.Type()), "error", err.Error())
		return 0
	}
	conversationID := realtime.ConversationIDOf(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients {
		if c.Wants(conversationID) && c.TrySend(payload) {
			sent++
		}
	}
	return sent
}

// Attach forwards every event the dispatcher emits to subscribers until the
// returned function is called.
func (h *Hub) Attach(d *realtime.Dispatcher) func() {
	return d.OnEvent(func(ev realtime.Event) { h.Publish(ev) })
}

// StartWiring subscribes to the Redis relay and forwards its events to
// subscribers.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartPatternSubscriber(ctx, func(_ string, ev realtime.Event) {
		h.Publish(ev)
	})
}

// Shutdown closes every subscriber's Send channel; each WritePump then sends
// a close frame and drops the connection.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	observability.RelaySubscribers.Set(0)
	h.mu.Unlock()

	for client := range clients {
		client.close()
	}
	return nil
}
