package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netsync"

// Metrics groups every collector the engine updates. A Metrics built with a nil
// Registerer still counts, it just is not exported.
type Metrics struct {
	ConnectedClients   prometheus.Gauge
	HandshakeRejected  *prometheus.CounterVec
	PacketsSent        prometheus.Counter
	PacketsReceived    prometheus.Counter
	PacketsDropped     *prometheus.CounterVec
	Retransmissions    prometheus.Counter
	ChannelOverflows   prometheus.Counter
	ReplicationActions *prometheus.CounterVec
	StaleUpdates       prometheus.Counter
	Rollbacks          prometheus.Counter
	TickDuration       prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of clients with an established connection.",
		}),
		HandshakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejected_total",
			Help:      "Connection attempts silently rejected, by reason.",
		}, []string{"reason"}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets written to the transport.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets read from the transport.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped before processing, by reason.",
		}, []string{"reason"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Reliable message fragments sent again after their resend deadline.",
		}),
		ChannelOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_overflow_total",
			Help:      "Sends refused because a reliable channel had too many unacked messages.",
		}),
		ReplicationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_actions_total",
			Help:      "Replication instructions flushed to clients, by kind.",
		}, []string{"kind"}),
		StaleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_updates_discarded_total",
			Help:      "Update messages discarded because a newer one was already applied.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_rollbacks_total",
			Help:      "Rollbacks triggered by a predicted/confirmed mismatch.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent in one simulation tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectedClients,
			m.HandshakeRejected,
			m.PacketsSent,
			m.PacketsReceived,
			m.PacketsDropped,
			m.Retransmissions,
			m.ChannelOverflows,
			m.ReplicationActions,
			m.StaleUpdates,
			m.Rollbacks,
			m.TickDuration,
		)
	}

	return m
}

// NewNop returns unregistered collectors.
func NewNop() *Metrics {
	return New(nil)
}

// Handler exposes the given gatherer in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
