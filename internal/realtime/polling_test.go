package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
)

type stubSource struct {
	mu            sync.Mutex
	listCalls     int
	historyCalls  int
	conversations func(ctx context.Context, page, pageSize int) (*models.ConversationPage, error)
	history       func(ctx context.Context, id string, page, pageSize int) (*models.ConversationHistory, error)
}

func (s *stubSource) GetUserConversations(ctx context.Context, page, pageSize int) (*models.ConversationPage, error) {
	s.mu.Lock()
	s.listCalls++
	s.mu.Unlock()
	if s.conversations == nil {
		return &models.ConversationPage{}, nil
	}
	return s.conversations(ctx, page, pageSize)
}

func (s *stubSource) GetConversationHistory(ctx context.Context, id string, page, pageSize int) (*models.ConversationHistory, error) {
	s.mu.Lock()
	s.historyCalls++
	s.mu.Unlock()
	if s.history == nil {
		return &models.ConversationHistory{}, nil
	}
	return s.history(ctx, id, page, pageSize)
}

func (s *stubSource) calls() (list, history int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.historyCalls
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newTestPoller(t *testing.T, api ConversationSource, now time.Time) (*Poller, *fakeTimers, *eventLog) {
	t.Helper()
	p := NewPoller(api, PollerOptions{
		ConversationInterval: 30 * time.Second,
		MessageInterval:      5 * time.Second,
		BackoffMultiplier:    2,
		MaxRetries:           2,
		PageSize:             20,
	})
	ft := &fakeTimers{}
	p.afterFunc = ft.afterFunc
	p.now = func() time.Time { return now }

	log := &eventLog{}
	p.OnEvent(log.add)
	t.Cleanup(p.Stop)
	return p, ft, log
}

// fireLoop runs the loop currently armed for key and returns the delay it was armed with.
func fireLoop(t *testing.T, p *Poller, ft *fakeTimers, key string) time.Duration {
	t.Helper()
	p.mu.Lock()
	timer := p.timers[key]
	p.mu.Unlock()
	require.NotNil(t, timer, "no loop armed for %s", key)

	entry := ft.lookup(timer)
	require.NotNil(t, entry)
	entry.fn()
	return entry.delay
}

func armedDelay(t *testing.T, p *Poller, ft *fakeTimers, key string) (time.Duration, bool) {
	t.Helper()
	p.mu.Lock()
	timer := p.timers[key]
	p.mu.Unlock()
	if timer == nil {
		return 0, false
	}
	entry := ft.lookup(timer)
	require.NotNil(t, entry)
	return entry.delay, true
}

func TestPoller_OnlyStrictlyNewerMessagesEmit(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(2 * time.Second)

	older := fakeMessage("conv-1", t0)
	newer := fakeMessage("conv-1", t1)
	api := &stubSource{
		history: func(_ context.Context, id string, page, pageSize int) (*models.ConversationHistory, error) {
			assert.Equal(t, "conv-1", id)
			assert.Equal(t, 1, page)
			assert.Equal(t, 20, pageSize)
			return &models.ConversationHistory{Messages: []models.Message{newer, older}}, nil
		},
	}
	p, ft, log := newTestPoller(t, api, t0)

	p.TrackConversation("conv-1")
	p.Start()

	delay := fireLoop(t, p, ft, conversationKey("conv-1"))
	assert.Equal(t, time.Duration(0), delay, "tracking polls right away")

	events := log.all()
	require.Len(t, events, 1)
	got, ok := events[0].(NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.Message.ID)

	tracked := p.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, t1, tracked[0].LastUpdated)

	next, armed := armedDelay(t, p, ft, conversationKey("conv-1"))
	require.True(t, armed)
	assert.Equal(t, 5*time.Second, next)

	// same page again: nothing new
	fireLoop(t, p, ft, conversationKey("conv-1"))
	assert.Len(t, log.all(), 1)
}

func TestPoller_HistoryConversationUpdate(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := fakeMessage("conv-1", t0.Add(time.Second))
	conv := fakeConversation("conv-1", t0.Add(3*time.Second))

	api := &stubSource{
		history: func(context.Context, string, int, int) (*models.ConversationHistory, error) {
			return &models.ConversationHistory{Conversation: &conv, Messages: []models.Message{msg}}, nil
		},
	}
	p, ft, log := newTestPoller(t, api, t0)
	p.Start()
	p.TrackConversation("conv-1")

	fireLoop(t, p, ft, conversationKey("conv-1"))
	events := log.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventNewMessage, events[0].Type())
	assert.Equal(t, EventConversationUpdate, events[1].Type())
	assert.Equal(t, conv.UpdatedAt, p.Tracked()[0].LastUpdated)

	fireLoop(t, p, ft, conversationKey("conv-1"))
	assert.Len(t, log.all(), 2)
}

func TestPoller_ConversationListUpdatesOnlyTracked(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tracked := fakeConversation("conv-1", t0.Add(time.Minute))
	untracked := fakeConversation("conv-2", t0.Add(time.Minute))

	api := &stubSource{
		conversations: func(context.Context, int, int) (*models.ConversationPage, error) {
			return &models.ConversationPage{Conversations: []models.Conversation{tracked, untracked}}, nil
		},
	}
	p, ft, log := newTestPoller(t, api, t0)
	p.TrackConversation("conv-1")
	p.Start()

	fireLoop(t, p, ft, conversationsKey)
	events := log.all()
	require.Len(t, events, 1)
	update, ok := events[0].(ConversationUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, "conv-1", update.Conversation.ID)

	next, armed := armedDelay(t, p, ft, conversationsKey)
	require.True(t, armed)
	assert.Equal(t, 30*time.Second, next)

	// updated_at unchanged between polls: no second event
	fireLoop(t, p, ft, conversationsKey)
	assert.Len(t, log.all(), 1)
}

func TestPoller_RetryBackoffThenAbandon(t *testing.T) {
	t0 := time.Now()
	api := &stubSource{
		history: func(context.Context, string, int, int) (*models.ConversationHistory, error) {
			return nil, errors.New("502 bad gateway")
		},
	}
	p, ft, _ := newTestPoller(t, api, t0)
	p.Start()
	p.TrackConversation("conv-1")
	key := conversationKey("conv-1")

	fireLoop(t, p, ft, key)
	delay, armed := armedDelay(t, p, ft, key)
	require.True(t, armed)
	assert.Equal(t, 5*time.Second, delay)
	assert.Equal(t, 1, p.retries[key])

	fireLoop(t, p, ft, key)
	delay, armed = armedDelay(t, p, ft, key)
	require.True(t, armed)
	assert.Equal(t, 10*time.Second, delay)
	assert.Equal(t, 2, p.retries[key])

	// retries == MaxRetries: the next failure abandons the loop
	fireLoop(t, p, ft, key)
	_, armed = armedDelay(t, p, ft, key)
	assert.False(t, armed)
	_, hasRetries := p.retries[key]
	assert.False(t, hasRetries)

	// still tracked, just no longer polled
	assert.Len(t, p.Tracked(), 1)
	_, history := api.calls()
	assert.Equal(t, 3, history)
}

func TestPoller_RetrackRevivesAbandonedLoop(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	fail := true
	api := &stubSource{
		history: func(context.Context, string, int, int) (*models.ConversationHistory, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("503 service unavailable")
			}
			return &models.ConversationHistory{Messages: []models.Message{fakeMessage("conv-1", t0.Add(time.Second))}}, nil
		},
	}
	p, ft, log := newTestPoller(t, api, t0)
	p.Start()
	p.TrackConversation("conv-1")
	key := conversationKey("conv-1")

	for i := 0; i < 3; i++ {
		fireLoop(t, p, ft, key)
	}
	_, armed := armedDelay(t, p, ft, key)
	require.False(t, armed, "loop abandoned")

	mu.Lock()
	fail = false
	mu.Unlock()

	p.TrackConversation("conv-1")
	delay, armed := armedDelay(t, p, ft, key)
	require.True(t, armed)
	assert.Equal(t, time.Duration(0), delay)
	require.Len(t, p.Tracked(), 1)
	assert.Equal(t, t0, p.Tracked()[0].LastUpdated, "marker kept across the restart")

	fireLoop(t, p, ft, key)
	require.Len(t, log.all(), 1)
	_, isMessage := log.all()[0].(NewMessageEvent)
	assert.True(t, isMessage)

	// a live loop is left alone
	before := ft.count()
	p.TrackConversation("conv-1")
	assert.Equal(t, before, ft.count())
}

func TestPoller_DefaultMaxRetries(t *testing.T) {
	p := NewPoller(&stubSource{}, PollerOptions{})
	assert.Equal(t, 3, p.opts.MaxRetries)
}

// The list loop and the history loop share one marker per conversation, so
// a list poll that sees the bump first hides the message from the history
// loop.
func TestPoller_ListPollAdvancesSharedMarker(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)
	msg := fakeMessage("conv-1", t1)
	api := &stubSource{
		conversations: func(context.Context, int, int) (*models.ConversationPage, error) {
			return &models.ConversationPage{Conversations: []models.Conversation{fakeConversation("conv-1", t1)}}, nil
		},
		history: func(context.Context, string, int, int) (*models.ConversationHistory, error) {
			return &models.ConversationHistory{Messages: []models.Message{msg}}, nil
		},
	}
	p, ft, log := newTestPoller(t, api, t0)
	p.TrackConversation("conv-1")
	p.Start()

	fireLoop(t, p, ft, conversationsKey)
	fireLoop(t, p, ft, conversationKey("conv-1"))

	events := log.all()
	require.Len(t, events, 1)
	_, isUpdate := events[0].(ConversationUpdateEvent)
	assert.True(t, isUpdate)
	assert.Equal(t, t1, p.Tracked()[0].LastUpdated)
}

func TestPoller_SuccessResetsRetries(t *testing.T) {
	fail := true
	api := &stubSource{
		history: func(context.Context, string, int, int) (*models.ConversationHistory, error) {
			if fail {
				return nil, errors.New("timeout")
			}
			return &models.ConversationHistory{}, nil
		},
	}
	p, ft, _ := newTestPoller(t, api, time.Now())
	p.Start()
	p.TrackConversation("conv-1")
	key := conversationKey("conv-1")

	fireLoop(t, p, ft, key)
	require.Equal(t, 1, p.retries[key])

	fail = false
	fireLoop(t, p, ft, key)
	_, hasRetries := p.retries[key]
	assert.False(t, hasRetries)
	delay, _ := armedDelay(t, p, ft, key)
	assert.Equal(t, 5*time.Second, delay)
}

func TestPoller_StopClearsEverything(t *testing.T) {
	api := &stubSource{}
	p, ft, _ := newTestPoller(t, api, time.Now())
	p.TrackConversation("conv-1")
	p.TrackConversation("conv-2")
	p.Start()
	require.Equal(t, 3, ft.count())

	p.Stop()
	assert.False(t, p.Enabled())
	assert.Empty(t, p.Tracked())
	assert.Empty(t, p.timers)
	assert.Empty(t, p.retries)

	// timers that fire after Stop do nothing
	for i := 0; i < ft.count(); i++ {
		ft.fire(i)
	}
	list, history := api.calls()
	assert.Equal(t, 0, list)
	assert.Equal(t, 0, history)
	assert.Equal(t, 3, ft.count())
}

func TestPoller_InFlightPollDoesNotRearmAfterStop(t *testing.T) {
	var p *Poller
	api := &stubSource{
		conversations: func(context.Context, int, int) (*models.ConversationPage, error) {
			p.Stop()
			return &models.ConversationPage{}, nil
		},
	}
	var ft *fakeTimers
	p, ft, _ = newTestPoller(t, api, time.Now())
	p.Start()

	fireLoop(t, p, ft, conversationsKey)
	assert.Equal(t, 1, ft.count(), "no loop re-armed after stop")
	assert.Empty(t, p.timers)
}

func TestPoller_UntrackCancelsLoop(t *testing.T) {
	api := &stubSource{}
	p, ft, _ := newTestPoller(t, api, time.Now())
	p.Start()
	p.TrackConversation("conv-1")

	p.mu.Lock()
	timer := p.timers[conversationKey("conv-1")]
	p.mu.Unlock()
	entry := ft.lookup(timer)

	p.UntrackConversation("conv-1")
	entry.fn()

	_, history := api.calls()
	assert.Equal(t, 0, history)
	assert.Empty(t, p.Tracked())
	_, armed := armedDelay(t, p, ft, conversationKey("conv-1"))
	assert.False(t, armed)
}

func TestPoller_TrackWhileStoppedDoesNotArm(t *testing.T) {
	p, ft, _ := newTestPoller(t, &stubSource{}, time.Now())
	p.TrackConversation("conv-1")
	p.TrackConversation("conv-1")

	assert.Equal(t, 0, ft.count())
	assert.Len(t, p.Tracked(), 1)
	assert.Equal(t, resourceConversation, p.Tracked()[0].Type)
}

func TestPoller_RateLimited(t *testing.T) {
	api := &stubSource{}
	p := NewPoller(api, PollerOptions{RequestsPerSecond: 1000})
	require.NotNil(t, p.limiter)

	unlimited := NewPoller(api, PollerOptions{})
	assert.Nil(t, unlimited.limiter)

	require.NoError(t, p.wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.wait(ctx))
	assert.NoError(t, unlimited.wait(ctx))
}
