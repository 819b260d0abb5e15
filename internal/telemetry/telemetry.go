// Package telemetry exposes prometheus metrics for the research engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry holds the engine's metric instruments. A nil *Telemetry is a
// valid no-op receiver so tests and callers can skip wiring it.
type Telemetry struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	stageDuration    *prometheus.HistogramVec
	eventsPublished  prometheus.Counter
}

// New registers the engine metrics on the default registry.
func New(namespace string) *Telemetry {
	if namespace == "" {
		namespace = "openresearch"
	}
	return &Telemetry{
		sessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Research sessions started.",
		}),
		sessionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Research sessions finished, by terminal status.",
		}, []string{"status"}),
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Research sessions currently running.",
		}),
		stageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		eventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Progress events published to the session bus.",
		}),
	}
}

// SessionStarted records a new running session.
func (t *Telemetry) SessionStarted() {
	if t == nil {
		return
	}
	t.sessionsStarted.Inc()
	t.activeSessions.Inc()
}

// SessionFinished records a terminal transition.
func (t *Telemetry) SessionFinished(status string) {
	if t == nil {
		return
	}
	t.sessionsFinished.WithLabelValues(status).Inc()
	t.activeSessions.Dec()
}

// ObserveStage records one stage invocation duration.
func (t *Telemetry) ObserveStage(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// EventPublished counts one emitted event.
func (t *Telemetry) EventPublished() {
	if t == nil {
		return
	}
	t.eventsPublished.Inc()
}
