package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge
	queueDepth     *prometheus.GaugeVec

	enqueueTotal *prometheus.CounterVec
	resolveTotal *prometheus.CounterVec
	abandonTotal *prometheus.CounterVec

	submitWait prometheus.Histogram

	consumersConnected *prometheus.GaugeVec
	producersConnected prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "loopgate_active_sessions",
					Help: "Current number of non-completed sessions.",
				},
			),
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "loopgate_queue_depth",
					Help: "Pending requests per session.",
				},
				[]string{"session"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loopgate_enqueue_total",
					Help: "Total requests enqueued per session.",
				},
				[]string{"session"},
			),
			resolveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loopgate_resolve_total",
					Help: "Total requests resolved per session.",
				},
				[]string{"session"},
			),
			abandonTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loopgate_abandon_total",
					Help: "Total requests abandoned per session.",
				},
				[]string{"session"},
			),
			submitWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name: "loopgate_submit_wait_seconds",
					Help: "Time a producer call spent blocked waiting for a human response.",
					// Human latency, not machine latency.
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
				},
			),
			consumersConnected: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "loopgate_consumers_connected",
					Help: "Connected operator consumers per session.",
				},
				[]string{"session"},
			),
			producersConnected: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "loopgate_producers_connected",
					Help: "Connected producer streams.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.queueDepth,
			m.enqueueTotal,
			m.resolveTotal,
			m.abandonTotal,
			m.submitWait,
			m.consumersConnected,
			m.producersConnected,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from every
// package init path; registration happens once.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the HTTP handler serving the prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetActiveSessions records the current non-completed session count.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// SetQueueDepth records the pending request count for a session.
func SetQueueDepth(session string, depth int) {
	getMetrics().queueDepth.WithLabelValues(session).Set(float64(depth))
}

// RecordEnqueue counts a request entering a session queue.
func RecordEnqueue(session string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(session).Inc()
	m.queueDepth.WithLabelValues(session).Set(float64(depth))
}

// RecordResolve counts a resolved request and the producer's blocked time.
func RecordResolve(session string, wait time.Duration, depth int) {
	m := getMetrics()
	m.resolveTotal.WithLabelValues(session).Inc()
	m.submitWait.Observe(wait.Seconds())
	m.queueDepth.WithLabelValues(session).Set(float64(depth))
}

// RecordAbandon counts requests abandoned on session close or shutdown.
func RecordAbandon(session string, count int) {
	m := getMetrics()
	m.abandonTotal.WithLabelValues(session).Add(float64(count))
	m.queueDepth.WithLabelValues(session).Set(0)
}

// ConsumerConnected tracks operator stream attach/detach for a session.
func ConsumerConnected(session string, delta int) {
	getMetrics().consumersConnected.WithLabelValues(session).Add(float64(delta))
}

// ProducerConnected tracks producer stream attach/detach.
func ProducerConnected(delta int) {
	getMetrics().producersConnected.Add(float64(delta))
}
