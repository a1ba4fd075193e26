package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/realtime"
)

func frameType(t *testing.T, raw []byte) string {
	t.Helper()
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame.Type
}

func TestHub_PublishRespectsFilters(t *testing.T) {
	hub := NewHub(0)
	defer func() { _ = hub.Shutdown(context.Background()) }()

	all, err := hub.Register(nil)
	require.NoError(t, err)
	onlyC1, err := hub.Register(nil, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Count())

	assert.Equal(t, 1, hub.Publish(realtime.TypingEvent{ConversationID: "c2", UserID: "u1", Typing: true}))
	assert.Equal(t, 2, hub.Publish(realtime.TypingEvent{ConversationID: "c1", UserID: "u1", Typing: true}))
	assert.Equal(t, 2, hub.Publish(realtime.UserStatusEvent{UserID: "u1", Online: true}), "presence reaches everyone")

	assert.Len(t, all.Send, 3)
	assert.Len(t, onlyC1.Send, 2)
	assert.Equal(t, string(realtime.EventTypingStart), frameType(t, <-onlyC1.Send))
}

func TestHub_ControlFramesChangeFilter(t *testing.T) {
	hub := NewHub(0)
	c, err := hub.Register(nil, "c1")
	require.NoError(t, err)

	c.handleControl([]byte(`{"type":"subscribe","data":{"conversation_id":"c2"}}`))
	assert.True(t, c.Wants("c2"))
	c.handleControl([]byte(`{"type":"unsubscribe","data":{"conversation_id":"c1"}}`))
	assert.False(t, c.Wants("c1"))
	c.handleControl([]byte(`garbage`))
	assert.True(t, c.Wants("c2"))

	// dropping the last filter subscribes to everything again
	c.Unsubscribe("c2")
	assert.True(t, c.Wants("c9"))
}

func TestHub_BackpressureDrops(t *testing.T) {
	hub := NewHub(0)
	c, err := hub.Register(nil)
	require.NoError(t, err)

	ev := realtime.TypingEvent{ConversationID: "c1", UserID: "u1"}
	for i := 0; i < sendBuffer; i++ {
		require.Equal(t, 1, hub.Publish(ev))
	}
	assert.Equal(t, 0, hub.Publish(ev), "full buffer drops instead of blocking")
	assert.Len(t, c.Send, sendBuffer)
}

func TestHub_LimitsAndUnregister(t *testing.T) {
	hub := NewHub(1)
	c, err := hub.Register(nil)
	require.NoError(t, err)

	_, err = hub.Register(nil)
	assert.ErrorIs(t, err, ErrHubFull)

	hub.UnregisterClient(c)
	hub.UnregisterClient(c)
	assert.Equal(t, 0, hub.Count())
	_, open := <-c.Send
	assert.False(t, open)
	assert.False(t, c.TrySend([]byte("late")), "send on a closed client is dropped")

	_, err = hub.Register(nil)
	assert.NoError(t, err)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := NewHub(0)
	c, err := hub.Register(nil)
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(context.Background()))
	_, open := <-c.Send
	assert.False(t, open)
	assert.Equal(t, 0, hub.Count())

	_, err = hub.Register(nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_AttachAndWiring(t *testing.T) {
	hub := NewHub(0)
	defer func() { _ = hub.Shutdown(context.Background()) }()
	c, err := hub.Register(nil)
	require.NoError(t, err)

	d := realtime.NewDispatcher(nil)
	detach := hub.Attach(d)
	d.Emit(realtime.SourceWebSocket, realtime.UserStatusEvent{UserID: "u1"})
	detach()
	d.Emit(realtime.SourceWebSocket, realtime.UserStatusEvent{UserID: "u1"})
	assert.Len(t, c.Send, 1)
	<-c.Send

	rdb := newTestRedis(t)
	n := NewNotifier(rdb, "test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.StartWiring(ctx, n))

	require.NoError(t, n.PublishEvent(ctx, realtime.UserStatusEvent{UserID: "u3", Online: true, At: time.Now()}))
	require.Eventually(t, func() bool { return len(c.Send) == 1 }, testEventuallyTimeout, testPollInterval)
	assert.Equal(t, string(realtime.EventUserOnline), frameType(t, <-c.Send))
}
