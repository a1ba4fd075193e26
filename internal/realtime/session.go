package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketsync/internal/observability"
)

// Sync modes.
const (
	ModeWebSocket = "websocket"
	ModePolling   = "polling"
	ModeHybrid    = "hybrid"
	ModeAuto      = "auto"
)

// SessionStatus is a point-in-time view of a Session.
type SessionStatus struct {
	UserID          string            `json:"user_id"`
	Mode            string            `json:"mode"`
	Socket          Status            `json:"socket"`
	Polling         bool              `json:"polling"`
	Tracked         []string          `json:"tracked_conversations"`
	PollerResources []TrackedResource `json:"poller_resources"`
}

// Session is one user's sync session: a Client and a Poller sharing a
// Dispatcher, run according to the sync mode. Create one per login and
// Close it on logout.
type Session struct {
	*Dispatcher

	userID string
	mode   string
	client *Client
	poller *Poller
	log    *observability.SyncLogger

	mu      sync.Mutex
	started bool
	tracked map[string]struct{}
	unsub   func()
}

// NewSession builds the transports for userID. The options' Dispatcher fields
// are replaced by the session's own.
func NewSession(mode, userID string, clientOpts Options, api ConversationSource, pollerOpts PollerOptions) (*Session, error) {
	switch mode {
	case ModeWebSocket, ModePolling, ModeHybrid, ModeAuto:
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}

	log := observability.NewSyncLogger("session").ForUser(userID)
	d := NewDispatcher(log)
	clientOpts.Dispatcher = d
	pollerOpts.Dispatcher = d

	return &Session{
		Dispatcher: d,
		userID:     userID,
		mode:       mode,
		client:     NewClient(clientOpts),
		poller:     NewPoller(api, pollerOpts),
		log:        log,
		tracked:    make(map[string]struct{}),
	}, nil
}

func (s *Session) usesSocket() bool { return s.mode != ModePolling }

func (s *Session) usesPoller() bool { return s.mode != ModeWebSocket }

// Start launches the transports for the session's mode. In auto mode the
// poller runs only while the socket is down.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	if s.mode == ModeAuto {
		s.unsub = s.OnConnectionChange(s.onConnectionChange)
	}
	s.mu.Unlock()

	s.log.LogLifecycle(ctx, "session_started", map[string]interface{}{"mode": s.mode})

	if s.usesPoller() {
		s.startPoller()
	}
	if s.usesSocket() {
		s.client.Connect(ctx, s.userID)
	}
}

func (s *Session) startPoller() {
	s.mu.Lock()
	ids := s.trackedLocked()
	s.mu.Unlock()

	for _, id := range ids {
		s.poller.TrackConversation(id)
	}
	s.poller.Start()
}

func (s *Session) onConnectionChange(connected bool) {
	if connected {
		s.poller.Stop()
		return
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.startPoller()
	}
}

// Track follows a conversation on every transport the mode uses.
func (s *Session) Track(conversationID string) {
	s.mu.Lock()
	s.tracked[conversationID] = struct{}{}
	s.mu.Unlock()

	if s.usesSocket() {
		s.client.JoinConversation(conversationID)
	}
	if s.usesPoller() && (s.mode != ModeAuto || s.poller.Enabled()) {
		s.poller.TrackConversation(conversationID)
	}
}

// Untrack stops following a conversation.
func (s *Session) Untrack(conversationID string) {
	s.mu.Lock()
	delete(s.tracked, conversationID)
	s.mu.Unlock()

	if s.usesSocket() {
		s.client.LeaveConversation(conversationID)
	}
	if s.usesPoller() {
		s.poller.UntrackConversation(conversationID)
	}
}

// SendTyping forwards the viewer's typing state over the socket.
func (s *Session) SendTyping(conversationID string, isTyping bool) {
	if s.usesSocket() {
		s.client.SendTyping(conversationID, isTyping)
	}
}

// Close tears both transports down. The session can be started again.
func (s *Session) Close() {
	s.mu.Lock()
	s.started = false
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.client.Disconnect()
	s.poller.Stop()
	s.log.LogLifecycle(context.Background(), "session_closed", nil)
}

// Mode is the session's sync mode.
func (s *Session) Mode() string { return s.mode }

// UserID is the session's user.
func (s *Session) UserID() string { return s.userID }

// Client exposes the socket transport.
func (s *Session) Client() *Client { return s.client }

// Poller exposes the polling transport.
func (s *Session) Poller() *Poller { return s.poller }

// Ready reports whether at least one transport is live.
func (s *Session) Ready() bool {
	return s.client.Connected() || s.poller.Enabled()
}

// Status returns a snapshot of both transports.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	tracked := s.trackedLocked()
	s.mu.Unlock()

	return SessionStatus{
		UserID:          s.userID,
		Mode:            s.mode,
		Socket:          s.client.Status(),
		Polling:         s.poller.Enabled(),
		Tracked:         tracked,
		PollerResources: s.poller.Tracked(),
	}
}

func (s *Session) trackedLocked() []string {
	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
