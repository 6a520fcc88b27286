// Package metrics holds Relay's Prometheus instrumentation. Collectors
// are owned by an explicit Metrics value injected into the components
// that update them, so tests can use isolated registries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec

	MessagesPersisted  prometheus.Counter
	MessagesDuplicated prometheus.Counter
	SendFallbacks      prometheus.Counter

	BroadcastsTotal prometheus.Counter
	BroadcastDrops  prometheus.Counter

	BrokerPublished prometheus.Counter
	BrokerConsumed  prometheus.Counter
}

// New registers the collectors with reg (nil: unregistered, for tests).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_connections_active",
			Help: "Currently open WebSocket connections.",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ws_frames_total",
			Help: "Inbound client frames by type.",
		}, []string{"type"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ws_protocol_errors_total",
			Help: "Protocol error events sent to clients by code.",
		}, []string{"code"}),
		MessagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Messages durably persisted (non-duplicate).",
		}),
		MessagesDuplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_duplicated_total",
			Help: "Sends deduplicated by client_msg_id.",
		}),
		SendFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_fallbacks_total",
			Help: "Sends that used the secondary elevated-credentials write path.",
		}),
		BroadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Events fanned out to local thread subscribers.",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_drops_total",
			Help: "Per-connection deliveries dropped under backpressure.",
		}),
		BrokerPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broker_published_total",
			Help: "Events published to the cross-instance broker.",
		}),
		BrokerConsumed: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broker_consumed_total",
			Help: "Foreign-origin broker events re-broadcast locally.",
		}),
	}
}

// Nop returns unregistered collectors for tests.
func Nop() *Metrics { return New(nil) }

// Handler serves the metrics endpoint for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
