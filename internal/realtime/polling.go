package realtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"marketsync/internal/models"
	"marketsync/internal/observability"
)

const (
	conversationsKey   = "conversations"
	conversationPrefix = "conversation:"

	resourceConversation = "conversation"
)

// ConversationSource is the part of the messaging API the poller reads.
type ConversationSource interface {
	GetUserConversations(ctx context.Context, page, pageSize int) (*models.ConversationPage, error)
	GetConversationHistory(ctx context.Context, conversationID string, page, pageSize int) (*models.ConversationHistory, error)
}

// TrackedResource is the poller's last-seen marker for one conversation.
type TrackedResource struct {
	ID          string    `json:"id"`
	LastUpdated time.Time `json:"last_updated"`
	Type        string    `json:"type"`
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	ConversationInterval time.Duration
	MessageInterval      time.Duration
	BackoffMultiplier    float64
	PageSize             int
	// MaxRetries is the number of retries before a loop is abandoned; zero
	// means the default of 3.
	MaxRetries int
	// RequestsPerSecond paces requests across all loops; 0 disables pacing.
	RequestsPerSecond float64

	Dispatcher *Dispatcher
	Logger     *observability.SyncLogger
}

func (o *PollerOptions) setDefaults() {
	if o.ConversationInterval <= 0 {
		o.ConversationInterval = 30 * time.Second
	}
	if o.MessageInterval <= 0 {
		o.MessageInterval = 5 * time.Second
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Logger == nil {
		o.Logger = observability.NewSyncLogger("polling")
	}
	if o.Dispatcher == nil {
		o.Dispatcher = NewDispatcher(o.Logger)
	}
}

// Poller synthesizes events by periodically re-reading conversations over
// REST and comparing server timestamps with the last value seen. It runs one
// loop for the conversation list and one per tracked conversation.
//
// Comparisons are strictly "newer than last seen", so two updates sharing a
// timestamp can be missed. Both loops share one marker per conversation: when
// the list loop advances it to the conversation's updated_at first, the
// message that caused the update is no longer newer and is not emitted as a
// new_message.
type Poller struct {
	*Dispatcher

	api       ConversationSource
	opts      PollerOptions
	log       *observability.SyncLogger
	limiter   *rate.Limiter
	afterFunc func(time.Duration, func()) *time.Timer
	now       func() time.Time

	mu      sync.Mutex
	enabled bool
	tracked map[string]*TrackedResource
	timers  map[string]*time.Timer
	retries map[string]int
	loopGen map[string]uint64
}

// NewPoller returns a stopped Poller reading from api.
func NewPoller(api ConversationSource, opts PollerOptions) *Poller {
	opts.setDefaults()

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Poller{
		Dispatcher: opts.Dispatcher,
		api:        api,
		opts:       opts,
		log:        opts.Logger,
		limiter:    limiter,
		afterFunc:  time.AfterFunc,
		now:        time.Now,
		tracked:    make(map[string]*TrackedResource),
		timers:     make(map[string]*time.Timer),
		retries:    make(map[string]int),
		loopGen:    make(map[string]uint64),
	}
}

func conversationKey(id string) string { return conversationPrefix + id }

// Start enables polling and arms the conversation-list loop and a loop for
// every tracked conversation.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return
	}
	p.enabled = true
	p.armLocked(conversationsKey, 0)
	for id := range p.tracked {
		p.armLocked(conversationKey(id), 0)
	}
	p.log.LogLifecycle(context.Background(), "polling_started", map[string]interface{}{"tracked": len(p.tracked)})
}

// Stop disables polling, cancels every timer and forgets tracked
// conversations and retry counters. Requests already in flight finish but
// do not re-arm.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled && len(p.timers) == 0 && len(p.tracked) == 0 {
		return
	}
	p.enabled = false
	for key, t := range p.timers {
		t.Stop()
		p.loopGen[key]++
	}
	p.timers = make(map[string]*time.Timer)
	p.tracked = make(map[string]*TrackedResource)
	p.retries = make(map[string]int)
	observability.TrackedConversations.Set(0)
	p.log.LogLifecycle(context.Background(), "polling_stopped", nil)
}

// Enabled reports whether the poller is running.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// TrackConversation starts following a conversation. Only changes after the
// call are reported. Tracking a conversation whose loop was abandoned
// restarts the loop from its existing marker.
func (p *Poller) TrackConversation(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tracked[conversationID]; ok {
		key := conversationKey(conversationID)
		if p.enabled && p.timers[key] == nil {
			p.armLocked(key, 0)
		}
		return
	}
	p.tracked[conversationID] = &TrackedResource{
		ID:          conversationID,
		LastUpdated: p.now(),
		Type:        resourceConversation,
	}
	observability.TrackedConversations.Set(float64(len(p.tracked)))
	if p.enabled {
		p.armLocked(conversationKey(conversationID), 0)
	}
}

// UntrackConversation stops following a conversation and cancels its loop.
func (p *Poller) UntrackConversation(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, conversationID)
	p.cancelLocked(conversationKey(conversationID))
	observability.TrackedConversations.Set(float64(len(p.tracked)))
}

// Tracked returns the tracked resources ordered by id.
func (p *Poller) Tracked() []TrackedResource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackedResource, 0, len(p.tracked))
	for _, r := range p.tracked {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Poller) armLocked(key string, delay time.Duration) {
	if t := p.timers[key]; t != nil {
		t.Stop()
	}
	p.loopGen[key]++
	gen := p.loopGen[key]
	p.timers[key] = p.afterFunc(delay, func() { p.run(key, gen) })
}

func (p *Poller) cancelLocked(key string) {
	if t := p.timers[key]; t != nil {
		t.Stop()
	}
	delete(p.timers, key)
	delete(p.retries, key)
	p.loopGen[key]++
}

func (p *Poller) intervalFor(key string) time.Duration {
	if key == conversationsKey {
		return p.opts.ConversationInterval
	}
	return p.opts.MessageInterval
}

// live reports whether the loop identified by key and gen should keep running.
func (p *Poller) liveLocked(key string, gen uint64) bool {
	if !p.enabled || p.loopGen[key] != gen {
		return false
	}
	if id, ok := strings.CutPrefix(key, conversationPrefix); ok {
		_, tracked := p.tracked[id]
		return tracked
	}
	return true
}

func (p *Poller) run(key string, gen uint64) {
	p.mu.Lock()
	if !p.liveLocked(key, gen) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx := context.Background()
	var err error
	if id, ok := strings.CutPrefix(key, conversationPrefix); ok {
		err = p.pollConversation(ctx, id)
	} else {
		err = p.pollConversations(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked(key, gen) {
		return
	}

	loop := loopLabel(key)
	interval := p.intervalFor(key)
	if err == nil {
		delete(p.retries, key)
		p.armLocked(key, interval)
		return
	}

	n := p.retries[key]
	if n >= p.opts.MaxRetries {
		delete(p.retries, key)
		delete(p.timers, key)
		observability.PollFailures.WithLabelValues(loop, "abandoned").Inc()
		p.log.Error(ctx, "polling abandoned after repeated failures", err,
			slog.String("loop", key),
			slog.Int("retries", n))
		return
	}

	p.retries[key] = n + 1
	delay := backoffDelay(interval, p.opts.BackoffMultiplier, n)
	p.armLocked(key, delay)
	observability.PollFailures.WithLabelValues(loop, "retry").Inc()
	p.log.Warn(ctx, "poll failed, retrying",
		slog.String("loop", key),
		slog.Int("retry", n+1),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))
}

func loopLabel(key string) string {
	if key == conversationsKey {
		return "conversations"
	}
	return "messages"
}

func (p *Poller) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// pollConversations emits conversation_update for every tracked conversation
// whose updated_at advanced past its marker.
func (p *Poller) pollConversations(ctx context.Context) error {
	ctx, span := observability.StartInternalSpan(ctx, "poll.conversations")
	defer span.End()
	defer observability.TrackPoll("conversations")()

	if err := p.wait(ctx); err != nil {
		span.SetError(err)
		return err
	}
	page, err := p.api.GetUserConversations(ctx, 1, p.opts.PageSize)
	if err != nil {
		span.SetError(err)
		return err
	}

	now := p.now()
	var updates []Event

	p.mu.Lock()
	for _, conv := range page.Conversations {
		res, ok := p.tracked[conv.ID]
		if !ok || !conv.UpdatedAt.After(res.LastUpdated) {
			continue
		}
		res.LastUpdated = conv.UpdatedAt
		updates = append(updates, ConversationUpdateEvent{Conversation: conv, At: now})
	}
	p.mu.Unlock()

	span.AddAttributes(attribute.Int("poll.updates", len(updates)))
	for _, ev := range updates {
		p.Emit(SourcePolling, ev)
	}
	return nil
}

// pollConversation emits one new_message per message created after the
// marker, in server order, then conversation_update if the conversation
// itself is still newer. The marker advances to the newest timestamp seen.
func (p *Poller) pollConversation(ctx context.Context, conversationID string) error {
	ctx, span := observability.StartInternalSpan(ctx, "poll.conversation",
		attribute.String("conversation.id", conversationID))
	defer span.End()
	defer observability.TrackPoll("messages")()

	if err := p.wait(ctx); err != nil {
		span.SetError(err)
		return err
	}
	history, err := p.api.GetConversationHistory(ctx, conversationID, 1, p.opts.PageSize)
	if err != nil {
		span.SetError(err)
		return err
	}

	now := p.now()
	var events []Event

	p.mu.Lock()
	res, ok := p.tracked[conversationID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	last := res.LastUpdated
	newest := last
	for _, msg := range history.Messages {
		if !msg.CreatedAt.After(last) {
			continue
		}
		events = append(events, NewMessageEvent{Message: msg, At: now})
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
	}
	res.LastUpdated = newest
	if conv := history.Conversation; conv != nil && conv.UpdatedAt.After(res.LastUpdated) {
		res.LastUpdated = conv.UpdatedAt
		events = append(events, ConversationUpdateEvent{Conversation: *conv, At: now})
	}
	p.mu.Unlock()

	span.AddAttributes(attribute.Int("poll.events", len(events)))
	for _, ev := range events {
		p.Emit(SourcePolling, ev)
	}
	return nil
}
