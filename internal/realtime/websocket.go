package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketsync/internal/auth"
	"marketsync/internal/observability"
)

const writeWait = 10 * time.Second

// Options configures a Client.
type Options struct {
	// URL is the realtime endpoint without query parameters, see DeriveWSURL.
	URL    string
	Tokens auth.TokenSource

	ReconnectDelay       time.Duration
	BackoffMultiplier    float64
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	Dialer     *websocket.Dialer
	Dispatcher *Dispatcher
	Logger     *observability.SyncLogger
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = observability.NewSyncLogger("websocket")
	}
	if o.Dispatcher == nil {
		o.Dispatcher = NewDispatcher(o.Logger)
	}
}

type outbound struct {
	frameType      string
	conversationID string
}

// Status is a point-in-time view of a Client.
type Status struct {
	Connected           bool     `json:"connected"`
	ReconnectAttempts   int      `json:"reconnect_attempts"`
	QueuedActions       int      `json:"queued_actions"`
	JoinedConversations []string `json:"joined_conversations"`
}

// Client holds one realtime socket for one user. It reconnects with
// exponential backoff, queues joins issued while disconnected and never
// returns transport failures to callers.
type Client struct {
	*Dispatcher

	opts      Options
	log       atomic.Pointer[observability.SyncLogger]
	decoder   *Decoder
	afterFunc func(time.Duration, func()) *time.Timer
	now       func() time.Time

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	epoch          uint64
	userID         string
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	pending        []outbound
	joined         map[string]struct{}

	writeMu sync.Mutex
}

// NewClient returns a disconnected Client.
func NewClient(opts Options) *Client {
	opts.setDefaults()
	c := &Client{
		Dispatcher: opts.Dispatcher,
		opts:       opts,
		decoder:    NewDecoder(),
		afterFunc:  time.AfterFunc,
		now:        time.Now,
		joined:     make(map[string]struct{}),
	}
	c.log.Store(opts.Logger)
	return c
}

func (c *Client) logger() *observability.SyncLogger {
	return c.log.Load()
}

// Connect opens the socket for userID. It is a no-op while a socket is open
// or a dial is in flight. Failures schedule a reconnect.
func (c *Client) Connect(ctx context.Context, userID string) {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.userID = userID
	c.log.Store(c.opts.Logger.ForUser(userID))
	c.connecting = true
	c.stopReconnectTimerLocked()
	epoch := c.epoch
	c.mu.Unlock()

	c.dial(ctx, epoch)
}

func (c *Client) dial(ctx context.Context, epoch uint64) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	var token string
	if c.opts.Tokens != nil {
		t, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			c.dialFailed(epoch, err)
			return
		}
		token = t
	}

	endpoint, err := ConnectURL(c.opts.URL, token, userID)
	if err != nil {
		c.dialFailed(epoch, err)
		return
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.dialFailed(epoch, err)
		return
	}

	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.connecting = false
	c.conn = conn
	c.attempts = 0

	queued := c.pending
	c.pending = nil
	inQueue := make(map[string]struct{}, len(queued))
	for _, a := range queued {
		if a.frameType == frameJoinConversation {
			inQueue[a.conversationID] = struct{}{}
		}
	}
	var rejoin []string
	for id := range c.joined {
		if _, ok := inQueue[id]; !ok {
			rejoin = append(rejoin, id)
		}
	}
	sort.Strings(rejoin)

	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	observability.RealtimeConnected.Set(1)
	observability.QueuedActions.Set(0)
	c.logger().LogConnect(ctx, c.opts.URL)

	go c.heartbeat(conn, stop)
	go c.readLoop(conn)

	c.EmitConnection(true)

	for _, a := range queued {
		c.write(conn, a.frameType, map[string]string{"conversation_id": a.conversationID})
	}
	for _, id := range rejoin {
		c.write(conn, frameJoinConversation, map[string]string{"conversation_id": id})
	}
}

func (c *Client) dialFailed(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	c.connecting = false
	c.logger().Warn(context.Background(), "realtime dial failed", slog.String("error", err.Error()))
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms exactly one reconnect timer unless one is
// pending or the attempt budget is spent.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		observability.RealtimeReconnects.WithLabelValues("exhausted").Inc()
		c.logger().Error(context.Background(), "realtime reconnect attempts exhausted",
			errors.New("max reconnect attempts reached"),
			slog.Int("attempts", c.attempts))
		return
	}

	delay := backoffDelay(c.opts.ReconnectDelay, c.opts.BackoffMultiplier, c.attempts)
	c.attempts++
	epoch := c.epoch
	c.reconnectTimer = c.afterFunc(delay, func() { c.reconnect(epoch) })

	observability.RealtimeReconnects.WithLabelValues("scheduled").Inc()
	c.logger().Info(context.Background(), "realtime reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", c.attempts))
}

func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	c.dial(context.Background(), epoch)
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	ev, err := c.decoder.DecodeFrame(data)
	if err != nil {
		reason := "invalid_payload"
		switch {
		case errors.Is(err, ErrMalformedFrame):
			reason = "malformed"
		case errors.Is(err, ErrUnknownEventType):
			reason = "unknown_type"
		}
		observability.RealtimeFramesDropped.WithLabelValues(reason).Inc()
		c.logger().Warn(context.Background(), "dropping realtime frame", slog.String("error", err.Error()))
		return
	}
	if ev == nil {
		return
	}
	c.Emit(SourceWebSocket, ev)
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	c.mu.Lock()
	if c.conn != conn {
		// replaced or closed by Disconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	if code != websocket.CloseNormalClosure {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = conn.Close()
	observability.RealtimeConnected.Set(0)
	c.logger().LogDisconnect(context.Background(), code, err.Error())
	c.EmitConnection(false)
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.write(conn, framePing, nil)
		}
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// write sends one frame. Errors are logged; the read loop notices dead sockets.
func (c *Client) write(conn *websocket.Conn, frameType string, data any) bool {
	env := encodeFrame(frameType, data, c.now())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		c.logger().Warn(context.Background(), "realtime write failed",
			slog.String("frame_type", frameType),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// Disconnect closes the socket with a normal closure and forgets queued
// actions and joined conversations. A later Connect starts from scratch.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	c.pending = nil
	c.joined = make(map[string]struct{})
	c.attempts = 0
	c.connecting = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	observability.QueuedActions.Set(0)
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = conn.Close()

	observability.RealtimeConnected.Set(0)
	c.logger().LogDisconnect(context.Background(), websocket.CloseNormalClosure, "client disconnect")
	c.EmitConnection(false)
}

// JoinConversation subscribes to a conversation's events. While disconnected
// the join is queued and sent once the socket opens.
func (c *Client) JoinConversation(conversationID string) {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	conn := c.conn
	if conn == nil {
		c.pending = append(c.pending, outbound{frameType: frameJoinConversation, conversationID: conversationID})
		observability.QueuedActions.Set(float64(len(c.pending)))
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.write(conn, frameJoinConversation, map[string]string{"conversation_id": conversationID})
}

// LeaveConversation unsubscribes from a conversation. Leaves are not queued:
// while disconnected it only stops the conversation from being re-joined.
func (c *Client) LeaveConversation(conversationID string) {
	c.mu.Lock()
	delete(c.joined, conversationID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.write(conn, frameLeaveConversation, map[string]string{"conversation_id": conversationID})
}

// SendTyping reports the viewer's typing state. Dropped while disconnected.
func (c *Client) SendTyping(conversationID string, isTyping bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.write(conn, frameTyping, map[string]any{"conversation_id": conversationID, "is_typing": isTyping})
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	joined := make([]string, 0, len(c.joined))
	for id := range c.joined {
		joined = append(joined, id)
	}
	sort.Strings(joined)

	return Status{
		Connected:           c.conn != nil,
		ReconnectAttempts:   c.attempts,
		QueuedActions:       len(c.pending),
		JoinedConversations: joined,
	}
}
