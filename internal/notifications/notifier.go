package notifications

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/redis/go-redis/v9"

	"marketsync/internal/observability"
	"marketsync/internal/realtime"
)

// DefaultPrefix namespaces relay channels when none is configured.
const DefaultPrefix = "marketsync"

// Notifier publishes normalized events into Redis channels:
// <prefix>:conv:<conversation id> for conversation scoped events and
// <prefix>:presence:<user id> for presence changes.
type Notifier struct {
	rdb    *redis.Client
	prefix string
	log    *observability.SyncLogger
}

// NewNotifier creates a Notifier. A nil client turns every call into a no-op.
func NewNotifier(rdb *redis.Client, prefix string) *Notifier {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Notifier{
		rdb:    rdb,
		prefix: strings.TrimSuffix(prefix, ":"),
		log:    observability.NewSyncLogger("relay"),
	}
}

// Prefix returns the channel namespace.
func (n *Notifier) Prefix() string { return n.prefix }

// ConversationChannel derives the channel for a conversation.
func (n *Notifier) ConversationChannel(conversationID string) string {
	return n.prefix + ":conv:" + conversationID
}

// PresenceChannel derives the channel for a user's presence.
func (n *Notifier) PresenceChannel(userID string) string {
	return n.prefix + ":presence:" + userID
}

// ChannelFor picks the channel an event is published on.
func (n *Notifier) ChannelFor(ev realtime.Event) string {
	if st, ok := ev.(realtime.UserStatusEvent); ok {
		return n.PresenceChannel(st.UserID)
	}
	return n.ConversationChannel(realtime.ConversationIDOf(ev))
}

// PublishEvent encodes ev and publishes it on its channel.
func (n *Notifier) PublishEvent(ctx context.Context, ev realtime.Event) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := realtime.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, n.ChannelFor(ev), payload).Err()
}

// Relay publishes every event the dispatcher emits until the returned
// function is called. Publish failures are logged and never reach listeners.
func (n *Notifier) Relay(ctx context.Context, d *realtime.Dispatcher) func() {
	return d.OnEvent(func(ev realtime.Event) {
		if err := n.PublishEvent(ctx, ev); err != nil {
			n.log.Warn(ctx, "relay publish failed", "event_type", string(ev.Type()), "error", err.Error())
		}
	})
}

// ParseChannel splits a relay channel into its kind ("conv" or "presence")
// and id.
func (n *Notifier) ParseChannel(channel string) (kind, id string, ok bool) {
	rest, found := strings.CutPrefix(channel, n.prefix+":")
	if !found {
		return "", "", false
	}
	kind, id, found = strings.Cut(rest, ":")
	if !found || id == "" || (kind != "conv" && kind != "presence") {
		return "", "", false
	}
	return kind, id, true
}

// StartPatternSubscriber subscribes to every relay channel and calls onEvent
// for each decoded event. Undecodable payloads are logged and skipped. The
// subscription ends when ctx is done.
func (n *Notifier) StartPatternSubscriber(ctx context.Context, onEvent func(channel string, ev realtime.Event)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, n.prefix+":conv:*", n.prefix+":presence:*")
	// Wait for the subscription so events published right after return are seen.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("psubscribe: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.deliver(ctx, msg, onEvent)
			}
		}
	}()

	return nil
}

func (n *Notifier) deliver(ctx context.Context, msg *redis.Message, onEvent func(string, realtime.Event)) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error(ctx, "panic in relay subscriber", fmt.Errorf("%v", r), "stack", string(debug.Stack()))
		}
	}()

	ev, err := realtime.UnmarshalEvent([]byte(msg.Payload))
	if err != nil {
		observability.RealtimeFramesDropped.WithLabelValues("relay_decode").Inc()
		n.log.Warn(ctx, "dropping relay payload", "channel", msg.Channel, "error", err.Error())
		return
	}
	onEvent(msg.Channel, ev)
}
