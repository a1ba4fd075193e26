package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
)

// fakeTimers records scheduled callbacks instead of running them.
type fakeTimers struct {
	mu      sync.Mutex
	entries []*fakeTimer
}

type fakeTimer struct {
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := time.NewTimer(time.Hour)
	f.entries = append(f.entries, &fakeTimer{timer: t, delay: d, fn: fn})
	return t
}

func (f *fakeTimers) delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.delay
	}
	return out
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	fn := f.entries[i].fn
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) lookup(t *time.Timer) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.timer == t {
			return e
		}
	}
	return nil
}

// fakeServer is a realtime endpoint that records client frames.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	received chan Envelope
	queries  chan url.Values
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		received: make(chan Envelope, 128),
		queries:  make(chan url.Values, 16),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	fs.queries <- r.URL.Query()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		fs.received <- env
	}
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) last(t *testing.T) *websocket.Conn {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.conns, "no client connected")
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) send(t *testing.T, frameType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := Envelope{Type: frameType, Data: raw, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	require.NoError(t, fs.last(t).WriteJSON(env))
}

func (fs *fakeServer) sendRaw(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, fs.last(t).WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (fs *fakeServer) closeLast(t *testing.T, code int) {
	t.Helper()
	conn := fs.last(t)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, "test close"), time.Now().Add(time.Second))
	_ = conn.Close()
}

func (fs *fakeServer) close() {
	fs.mu.Lock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.mu.Unlock()
	fs.srv.Close()
}

// expectFrame waits for the next client frame of frameType, skipping pings.
func (fs *fakeServer) expectFrame(t *testing.T, frameType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-fs.received:
			if env.Type == framePing && frameType != framePing {
				continue
			}
			require.Equal(t, frameType, env.Type)
			return env
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
		}
	}
}

// expectNoFrame asserts no frame of frameType arrives within d.
func (fs *fakeServer) expectNoFrame(t *testing.T, frameType string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-fs.received:
			if env.Type == frameType {
				t.Fatalf("unexpected %s frame: %s", frameType, string(env.Data))
			}
		case <-deadline:
			return
		}
	}
}

func conversationIDOf(t *testing.T, env Envelope) string {
	t.Helper()
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	return body.ConversationID
}

// deadURL returns a ws URL nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()
	return u
}

func fakeMessage(conversationID string, createdAt time.Time) models.Message {
	return models.Message{
		ID:             gofakeit.UUID(),
		ConversationID: conversationID,
		SenderID:       gofakeit.UUID(),
		Type:           models.MessageTypeText,
		Content:        gofakeit.Sentence(6),
		Status:         models.MessageStatusSent,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func fakeConversation(id string, updatedAt time.Time) models.Conversation {
	return models.Conversation{
		ID:             id,
		Type:           models.ConversationDirect,
		Subject:        gofakeit.ProductName(),
		CreatorID:      gofakeit.UUID(),
		Status:         models.ConversationActive,
		ParticipantIDs: []string{gofakeit.UUID(), gofakeit.UUID()},
		CreatedAt:      updatedAt.Add(-time.Hour),
		UpdatedAt:      updatedAt,
	}
}
