package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeConnections prometheus.Gauge
	activeSessions    prometheus.Gauge

	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram

	toolEventsTotal *prometheus.CounterVec

	chargesTotal       *prometheus.CounterVec
	photonsTotal       prometheus.Counter
	chargeDuration     prometheus.Histogram
	runnerInitFailures prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of live transport connections.",
			}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "active_sessions",
				Help: "Number of live sessions across all connections.",
			}),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turns_total",
					Help: "Processed turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "turn_duration_seconds",
				Help:    "End-to-end turn processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			toolEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_events_total",
					Help: "Tool-call events by status.",
				},
				[]string{"status"},
			),
			chargesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "charges_total",
					Help: "Billing charge attempts by result.",
				},
				[]string{"result"},
			),
			photonsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "photons_charged_total",
				Help: "Total photons successfully debited.",
			}),
			chargeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "charge_duration_seconds",
				Help:    "Billing backend round-trip duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			runnerInitFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "runner_init_failures_total",
				Help: "Background runner initializations that rolled back.",
			}),
		}

		prometheus.MustRegister(
			m.activeConnections,
			m.activeSessions,
			m.turnsTotal,
			m.turnDuration,
			m.toolEventsTotal,
			m.chargesTotal,
			m.photonsTotal,
			m.chargeDuration,
			m.runnerInitFailures,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call repeatedly.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetActiveConnections sets the live connection gauge.
func SetActiveConnections(n int) {
	getMetrics().activeConnections.Set(float64(n))
}

// SetActiveSessions sets the live session gauge.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordTurn records one processed turn.
func RecordTurn(outcome string, d time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// RecordToolEvent records a tool-call status change.
func RecordToolEvent(status string) {
	getMetrics().toolEventsTotal.WithLabelValues(status).Inc()
}

// RecordCharge records one billing attempt.
func RecordCharge(result string, photons int, d time.Duration) {
	m := getMetrics()
	m.chargesTotal.WithLabelValues(result).Inc()
	m.chargeDuration.Observe(d.Seconds())
	if result == "success" && photons > 0 {
		m.photonsTotal.Add(float64(photons))
	}
}

// RecordRunnerInitFailure counts a rolled-back session initialization.
func RecordRunnerInitFailure() {
	getMetrics().runnerInitFailures.Inc()
}
