// Package metrics provides Prometheus instrumentation for the chat
// synchronization core. It exposes gauges for connection and unread state,
// counters for frame and message throughput, and histograms for REST
// delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 while disconnected, 1 while connecting and 2
	// while connected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Transport channel state (0=disconnected, 1=connecting, 2=connected)",
	})

	// ConnectAttempts counts connect attempts, labeled by outcome:
	// "ok", "auth_rejected" or "error".
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_connect_attempts_total",
		Help: "Transport connect attempts by outcome",
	}, []string{"outcome"})

	// FramesTotal counts inbound frames, labeled by topic and result:
	// "ok", "malformed", "unknown_topic", "ignored" or "handler_panic".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_total",
		Help: "Inbound frames processed by the topic router",
	}, []string{"topic", "result"})

	// MessagesTotal counts messages observed by the conversation store,
	// labeled by result: "inserted" or "duplicate".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_total",
		Help: "Messages offered to the conversation store",
	}, []string{"result"})

	// UnreadTotal mirrors the aggregate unread counter.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_total",
		Help: "Aggregate unread message count across conversations",
	})

	// UnreadInvariantViolations counts detected drift between the aggregate
	// and the per-conversation counters. Anything above zero is a bug.
	UnreadInvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_unread_invariant_violations_total",
		Help: "Times the unread total diverged from the per-conversation sum",
	})

	// ReadNotifications counts server read notifications by outcome.
	ReadNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_read_notifications_total",
		Help: "Mark-read notifications sent to the server",
	}, []string{"outcome"})

	// DeliveryTotal counts outbound sends by final state: "confirmed" or "failed".
	DeliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_delivery_total",
		Help: "Outbound message deliveries by final state",
	}, []string{"state"})

	// DeliveryLatency records REST send latency in seconds.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_delivery_latency_seconds",
		Help:    "REST message send latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// TypingNotifications counts outbound typing signals by result:
	// "sent", "throttled" or "unavailable".
	TypingNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_typing_notifications_total",
		Help: "Outbound typing notifications by result",
	}, []string{"result"})

	// ModerationAlerts counts moderation alerts received.
	ModerationAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_moderation_alerts_total",
		Help: "Moderation alerts received over the transport channel",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ConnectAttempts,
		FramesTotal,
		MessagesTotal,
		UnreadTotal,
		UnreadInvariantViolations,
		ReadNotifications,
		DeliveryTotal,
		DeliveryLatency,
		TypingNotifications,
		ModerationAlerts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
