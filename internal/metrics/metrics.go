package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the chat server. Each
// server instance owns its own registry so tests can build several servers
// without collector name collisions.
type Registry struct {
	reg *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	MessagesPublished   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	MessagesDropped     prometheus.Counter
	FramesRejected      prometheus.Counter
	AuthFailures        prometheus.Counter
	PersistenceFailures prometheus.Counter
	RoutingFailures     prometheus.Counter
	DeliveryFailures    prometheus.Counter
	PublishLatency      prometheus.Histogram
}

// NewRegistry creates the metric collectors on a fresh Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of live WebSocket sessions on this instance",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_published_total",
			Help: "Total messages published to a group after persistence",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_delivered_total",
			Help: "Total envelopes delivered to local session send queues",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_dropped_total",
			Help: "Total envelopes dropped because a session send queue was full",
		}),
		FramesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_rejected_total",
			Help: "Total inbound frames dropped (malformed, out of state, or rate limited)",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_auth_failures_total",
			Help: "Total connection attempts rejected by the authentication gate",
		}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_persistence_failures_total",
			Help: "Total sends aborted because the message store returned an error",
		}),
		RoutingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_routing_failures_total",
			Help: "Total private sends dropped because no recipient could be resolved",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_delivery_failures_total",
			Help: "Total cross-process publish attempts that failed after local fan-out",
		}),
		PublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_publish_latency_seconds",
			Help:    "Latency of the persist-then-publish send path",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns an HTTP handler exposing this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
