package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "messages_sent_total",
			Help:      "Messages persisted, by sender role and whether the send was a duplicate retry.",
		},
		[]string{"role", "duplicate"},
	)

	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "send_failures_total",
			Help:      "Rejected sends, by reason.",
		},
		[]string{"reason"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "conversation_transitions_total",
			Help:      "Lifecycle calls, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	MessagesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "messages_read_total",
			Help:      "Messages whose read_at was set.",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "events_published_total",
			Help:      "Realtime events handed to the hub, by type.",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a subscriber buffer was full.",
		},
	)

	Subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supportchat",
			Name:      "subscriptions_active",
			Help:      "Open conversation subscriptions.",
		},
	)

	UnreadCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportchat",
			Name:      "unread_cache_lookups_total",
			Help:      "Unread counter lookups, by cache result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		SendFailures,
		Transitions,
		MessagesRead,
		EventsPublished,
		EventsDropped,
		Subscriptions,
		UnreadCacheHits,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
