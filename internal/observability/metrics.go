package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RealtimeConnected is 1 while the realtime socket is open.
	RealtimeConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_realtime_connected",
		Help: "Whether the realtime socket is currently open",
	})

	// RealtimeReconnects counts scheduled reconnects by outcome (scheduled, exhausted).
	RealtimeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_realtime_reconnects_total",
		Help: "Total number of reconnect decisions by outcome",
	}, []string{"outcome"})

	// RealtimeFramesDropped counts inbound frames that could not be decoded.
	RealtimeFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_realtime_frames_dropped_total",
		Help: "Total number of inbound frames dropped by reason",
	}, []string{"reason"})

	// QueuedActions is the number of actions waiting for the socket to open.
	QueuedActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_realtime_queued_actions",
		Help: "Number of outbound actions queued while disconnected",
	})

	// SyncEventsTotal counts normalized events by type and transport.
	SyncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_events_total",
		Help: "Total normalized sync events by type and source",
	}, []string{"event_type", "source"})

	// PollLatency records poll request latency by loop kind.
	PollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsync_poll_latency_seconds",
		Help:    "Poll request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})

	// PollFailures counts failed polls by loop kind and outcome (retry, abandoned).
	PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_poll_failures_total",
		Help: "Total failed polls by loop and outcome",
	}, []string{"loop", "outcome"})

	// TrackedConversations is the number of conversations the poller follows.
	TrackedConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_tracked_conversations",
		Help: "Number of conversations tracked by the poller",
	})

	// APIRequestLatency records REST call latency by operation and status class.
	APIRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsync_api_request_latency_seconds",
		Help:    "Messaging API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// RelaySubscribers is the gauge of local event-socket subscribers.
	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_relay_subscribers",
		Help: "Number of connected local event subscribers",
	})

	// RelayBackpressureDrops counts events dropped due to backpressure by hub and reason.
	RelayBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_relay_backpressure_drops_total",
		Help: "Total number of relayed events dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// RecordEvent increments the event counter for the event type and source.
func RecordEvent(eventType, source string) {
	SyncEventsTotal.WithLabelValues(eventType, source).Inc()
}

// TrackPoll returns a function that records poll latency when called (e.g. defer).
func TrackPoll(loop string) func() {
	start := time.Now()
	return func() {
		PollLatency.WithLabelValues(loop).Observe(time.Since(start).Seconds())
	}
}
