package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the scheduler's Prometheus instruments behind a
// private registry so tests can create isolated instances.
type Registry struct {
	reg *prometheus.Registry

	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksRejected  *prometheus.CounterVec

	TaskLatency *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec
	InFlight    prometheus.Gauge

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	CostUSD   *prometheus.CounterVec
	BackendUp *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tasks_submitted_total",
			Help: "Tasks accepted into the scheduler queue",
		}, []string{"task_type", "priority"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tasks_completed_total",
			Help: "Tasks completed successfully",
		}, []string{"task_type", "model"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tasks_failed_total",
			Help: "Tasks that produced a failure response",
		}, []string{"model", "error_class"}),
		TasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tasks_rejected_total",
			Help: "Tasks rejected before entering the queue",
		}, []string{"reason"}),
		TaskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_task_latency_ms",
			Help:    "End-to-end task processing latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"task_type", "model"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelmux_queue_depth",
			Help: "Queued tasks per priority lane",
		}, []string{"lane"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelmux_tasks_in_flight",
			Help: "Tasks dequeued and not yet completed",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cache_hits_total",
			Help: "Response cache hits",
		}, []string{"region"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cache_misses_total",
			Help: "Response cache misses",
		}, []string{"region"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cost_usd_total",
			Help: "Estimated USD cost per backend",
		}, []string{"model"}),
		BackendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelmux_backend_up",
			Help: "Backend availability (1 up, 0 down)",
		}, []string{"model"}),
	}
	reg.MustRegister(
		m.TasksSubmitted, m.TasksCompleted, m.TasksFailed, m.TasksRejected,
		m.TaskLatency, m.QueueDepth, m.InFlight,
		m.CacheHits, m.CacheMisses,
		m.CostUSD, m.BackendUp,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
