// Package metrics exposes Prometheus instrumentation for the event log.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Append metrics
	eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evtree_events_appended_total",
			Help: "Total number of events appended",
		},
		[]string{"type"},
	)

	appendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evtree_append_duration_seconds",
			Help:    "Event append duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Branch metrics
	forksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evtree_forks_total",
			Help: "Total number of session forks",
		},
	)

	rewindsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evtree_rewinds_total",
			Help: "Total number of session rewinds",
		},
	)

	// Error metrics
	integrityErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evtree_integrity_errors_total",
			Help: "Total number of appends rejected for dangling parents",
		},
	)

	// System metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evtree_active_sessions",
			Help: "Number of unarchived sessions",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			eventsAppendedTotal,
			appendDuration,
			forksTotal,
			rewindsTotal,
			integrityErrorsTotal,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordAppend records an event append
func RecordAppend(eventType string, duration time.Duration) {
	eventsAppendedTotal.WithLabelValues(eventType).Inc()
	appendDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordFork records a session fork
func RecordFork() {
	forksTotal.Inc()
}

// RecordRewind records a session rewind
func RecordRewind() {
	rewindsTotal.Inc()
}

// RecordIntegrityError records a rejected append
func RecordIntegrityError() {
	integrityErrorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
