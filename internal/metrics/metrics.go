// Package metrics wraps the Prometheus collectors exposed by messagebusd,
// served on a listener separate from the public API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the bus touches.
type Registry struct {
	MessagesPublished   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	MessagesFiltered    prometheus.Counter
	PublishErrors       prometheus.Counter
	BacklogTrims        prometheus.Counter
	ActiveLongPolls     prometheus.Gauge
	ReliablePubSubRetry prometheus.Counter
	PollWaitSeconds     prometheus.Histogram
}

// NewRegistry creates and registers every collector.
func NewRegistry() *Registry {
	return &Registry{
		MessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_messages_published_total",
			Help: "Total number of messages accepted by Engine.Publish.",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_messages_delivered_total",
			Help: "Total number of messages handed to a long-poll response.",
		}),
		MessagesFiltered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_messages_filtered_total",
			Help: "Total number of messages dropped by a server or client filter.",
		}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_publish_errors_total",
			Help: "Total number of Engine.Publish calls that returned an error.",
		}),
		BacklogTrims: promauto.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_backlog_trims_total",
			Help: "Total number of backlog trim operations observed by the backend.",
		}),
		ActiveLongPolls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "messagebus_active_long_polls",
			Help: "Number of HTTP requests currently blocked in a long-poll wait.",
		}),
		ReliablePubSubRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_reliable_pubsub_retries_total",
			Help: "Total number of times the reliable-pubsub loop reconnected after an error.",
		}),
		PollWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "messagebus_poll_wait_seconds",
			Help:    "Time a long-poll request spent waiting before responding.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 25},
		}),
	}
}

// Handler exposes the registered collectors over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
