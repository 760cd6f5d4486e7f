package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus instrumentation. Pass the same
// instance to the lifecycle manager and sync coordinator; a nil registerer
// falls back to the default registry.
type Metrics struct {
	MessagesComposed prometheus.Counter
	SendsTotal       *prometheus.CounterVec
	SendDuration     prometheus.Histogram
	RetriesTotal     prometheus.Counter
	SyncCycles       *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	PendingMessages  prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessagesComposed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_composed_total",
			Help: "Outbound messages created and stored locally.",
		}),
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Remote send attempts by outcome.",
		}, []string{"outcome"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_send_duration_seconds",
			Help:    "Remote send round trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_retries_total",
			Help: "Pending message retry attempts.",
		}),
		SyncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sync_cycles_total",
			Help: "Conversation sync cycles by outcome.",
		}, []string{"outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_sync_duration_seconds",
			Help:    "Conversation sync cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingMessages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_messages",
			Help: "Messages currently awaiting server acknowledgement.",
		}),
	}
}
