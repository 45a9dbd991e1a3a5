package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors. A fresh set is
// constructed per instance so tests never share registries.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested    *prometheus.CounterVec
	EventsRejected    *prometheus.CounterVec
	ViolationsQueued  prometheus.Counter
	QueueDepth        prometheus.Gauge
	TickDuration      prometheus.Histogram
	SessionsActive    prometheus.Gauge
	SessionsFlagged   prometheus.Counter
	BroadcastsSent    *prometheus.CounterVec
	InterventionsSent *prometheus.CounterVec
	StoreCallFailures *prometheus.CounterVec
	ConnectionsOpen   prometheus.Gauge
}

// New constructs and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_events_ingested_total",
			Help: "Behavioral events and detections accepted for classification.",
		}, []string{"source"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_events_rejected_total",
			Help: "Events rejected before queueing.",
		}, []string{"reason"}),
		ViolationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examsentry_violations_queued_total",
			Help: "Violations appended to the aggregation queue.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examsentry_aggregation_queue_depth",
			Help: "Violations currently waiting for the next tick.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "examsentry_tick_duration_seconds",
			Help:    "Duration of aggregator drain ticks.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examsentry_sessions_active",
			Help: "Sessions currently tracked by the registry.",
		}),
		SessionsFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examsentry_sessions_flagged_total",
			Help: "Sessions flagged by the critical-cluster rule.",
		}),
		BroadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_broadcasts_sent_total",
			Help: "Messages fanned out to rooms.",
		}, []string{"room_kind"}),
		InterventionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_interventions_total",
			Help: "Observer interventions processed.",
		}, []string{"kind"}),
		StoreCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examsentry_store_call_failures_total",
			Help: "Fire-and-forget downstream store calls that failed.",
		}, []string{"endpoint"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examsentry_connections_open",
			Help: "Open websocket connections.",
		}),
	}

	reg.MustRegister(
		m.EventsIngested,
		m.EventsRejected,
		m.ViolationsQueued,
		m.QueueDepth,
		m.TickDuration,
		m.SessionsActive,
		m.SessionsFlagged,
		m.BroadcastsSent,
		m.InterventionsSent,
		m.StoreCallFailures,
		m.ConnectionsOpen,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
