package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"marketsync/internal/observability"
)

// Event sources, used for metrics only. Listeners never see them.
const (
	SourceWebSocket = "websocket"
	SourcePolling   = "polling"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// registry is an ordered set of listeners. Listeners run in subscription order.
type registry[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners []listener[T]
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *registry[T]) snapshot() []func(T) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]func(T), len(r.listeners))
	for i, l := range r.listeners {
		out[i] = l.fn
	}
	return out
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Dispatcher fans normalized events out to subscribers. A Client and a Poller
// may share one Dispatcher so subscribers see a single stream.
type Dispatcher struct {
	log *observability.SyncLogger

	any          registry[Event]
	newMessage   registry[NewMessageEvent]
	conversation registry[ConversationUpdateEvent]
	userStatus   registry[UserStatusEvent]
	typing       registry[TypingEvent]
	messageRead  registry[MessageReadEvent]
	connection   registry[bool]
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher(log *observability.SyncLogger) *Dispatcher {
	if log == nil {
		log = observability.NewSyncLogger("dispatcher")
	}
	return &Dispatcher{log: log}
}

// OnEvent subscribes to every event. The returned func unsubscribes.
func (d *Dispatcher) OnEvent(fn func(Event)) func() { return d.any.add(fn) }

// OnNewMessage subscribes to new_message events.
func (d *Dispatcher) OnNewMessage(fn func(NewMessageEvent)) func() { return d.newMessage.add(fn) }

// OnConversationUpdate subscribes to conversation_update events.
func (d *Dispatcher) OnConversationUpdate(fn func(ConversationUpdateEvent)) func() {
	return d.conversation.add(fn)
}

// OnUserStatusChange subscribes to user_online and user_offline events.
func (d *Dispatcher) OnUserStatusChange(fn func(UserStatusEvent)) func() {
	return d.userStatus.add(fn)
}

// OnTyping subscribes to typing_start and typing_stop events.
func (d *Dispatcher) OnTyping(fn func(TypingEvent)) func() { return d.typing.add(fn) }

// OnMessageRead subscribes to message_read events.
func (d *Dispatcher) OnMessageRead(fn func(MessageReadEvent)) func() { return d.messageRead.add(fn) }

// OnConnectionChange subscribes to socket connectivity changes.
func (d *Dispatcher) OnConnectionChange(fn func(connected bool)) func() {
	return d.connection.add(fn)
}

// ListenerCount is the number of registered listeners across all kinds.
func (d *Dispatcher) ListenerCount() int {
	return d.any.len() + d.newMessage.len() + d.conversation.len() + d.userStatus.len() +
		d.typing.len() + d.messageRead.len() + d.connection.len()
}

// Emit delivers ev to the typed listeners for its kind, then to OnEvent listeners.
func (d *Dispatcher) Emit(source string, ev Event) {
	observability.RecordEvent(string(ev.Type()), source)

	switch e := ev.(type) {
	case NewMessageEvent:
		deliver(d, e.Type(), d.newMessage.snapshot(), e)
	case ConversationUpdateEvent:
		deliver(d, e.Type(), d.conversation.snapshot(), e)
	case UserStatusEvent:
		deliver(d, e.Type(), d.userStatus.snapshot(), e)
	case TypingEvent:
		deliver(d, e.Type(), d.typing.snapshot(), e)
	case MessageReadEvent:
		deliver(d, e.Type(), d.messageRead.snapshot(), e)
	default:
		panic(fmt.Sprintf("realtime: unhandled event %T", ev))
	}
	deliver(d, ev.Type(), d.any.snapshot(), ev)
}

// EmitConnection notifies connectivity listeners.
func (d *Dispatcher) EmitConnection(connected bool) {
	deliver(d, "connection", d.connection.snapshot(), connected)
}

func deliver[T any](d *Dispatcher, kind EventType, fns []func(T), v T) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error(context.Background(), "event listener panicked", fmt.Errorf("%v", r),
						slog.String("event_type", string(kind)))
				}
			}()
			fn(v)
		}()
	}
}
