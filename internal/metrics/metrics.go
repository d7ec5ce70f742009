// Package metrics exposes Prometheus instrumentation for the registration
// engine. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/c360studio/semstreams/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "farmreg"

// Recorder owns a private registry and the engine's collectors. Library
// components that report through a semstreams registry, such as the
// response cache, share it.
type Recorder struct {
	platform *metric.MetricsRegistry
	registry *prometheus.Registry

	turnsTotal         *prometheus.CounterVec
	turnDuration       prometheus.Histogram
	extractionOutcomes *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	degraded           prometheus.Gauge
	enrichment         *prometheus.CounterVec
	enrichmentDuration *prometheus.HistogramVec
	completions        prometheus.Counter
	abandoned          prometheus.Counter
	rateLimited        prometheus.Counter
	convlogDropped     prometheus.Counter
}

// New creates a Recorder. The semstreams registry brings the Go runtime and
// process collectors.
func New() *Recorder {
	platform := metric.NewMetricsRegistry()
	r := &Recorder{
		platform: platform,
		registry: platform.PrometheusRegistry(),

		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Turns handled, by reply mode and resulting session status",
		}, []string{"mode", "status"}),

		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn handling latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		extractionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extractor",
			Name:      "outcomes_total",
			Help:      "Extraction results by source and parse outcome",
		}, []string{"source", "outcome"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"dependency"}),

		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"dependency", "to"}),

		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "degraded",
			Help:      "Whether sessions are being held in the ephemeral store (0=no, 1=yes)",
		}),

		enrichment: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "lookups_total",
			Help:      "Enrichment lookups by kind and outcome",
		}, []string{"kind", "outcome"}),

		enrichmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "lookup_duration_seconds",
			Help:      "Enrichment lookup latency",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind"}),

		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "completed_total",
			Help:      "Sessions that reached COMPLETED",
		}),

		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "abandoned_total",
			Help:      "Sessions marked ABANDONED by the idle sweeper",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Inbound turns rejected by the rate limiter",
		}),

		convlogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "convlog",
			Name:      "dropped_total",
			Help:      "Conversation log entries dropped because the queue was full",
		}),
	}

	r.registry.MustRegister(
		r.turnsTotal,
		r.turnDuration,
		r.extractionOutcomes,
		r.breakerState,
		r.breakerTransitions,
		r.degraded,
		r.enrichment,
		r.enrichmentDuration,
		r.completions,
		r.abandoned,
		r.rateLimited,
		r.convlogDropped,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// MetricsRegistry is handed to components built on semstreams.
func (r *Recorder) MetricsRegistry() *metric.MetricsRegistry {
	if r == nil {
		return nil
	}
	return r.platform
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveTurn records one handled turn.
func (r *Recorder) ObserveTurn(mode, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.turnsTotal.WithLabelValues(mode, status).Inc()
	r.turnDuration.Observe(elapsed.Seconds())
}

// ObserveExtraction records where an extraction result came from
// (cache, extractor, fallback) and how it parsed.
func (r *Recorder) ObserveExtraction(source, outcome string) {
	if r == nil {
		return
	}
	r.extractionOutcomes.WithLabelValues(source, outcome).Inc()
}

// ObserveBreaker is a resilience transition hook.
func (r *Recorder) ObserveBreaker(tr resilience.Transition) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(tr.Dependency).Set(float64(tr.To))
	r.breakerTransitions.WithLabelValues(tr.Dependency, tr.To.String()).Inc()
}

// SetDegraded records the store failover flag.
func (r *Recorder) SetDegraded(degraded bool) {
	if r == nil {
		return
	}
	value := 0.0
	if degraded {
		value = 1.0
	}
	r.degraded.Set(value)
}

// ObserveEnrichment implements enrich.Observer.
func (r *Recorder) ObserveEnrichment(kind, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.enrichment.WithLabelValues(kind, outcome).Inc()
	r.enrichmentDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SessionCompleted counts a completed registration.
func (r *Recorder) SessionCompleted() {
	if r == nil {
		return
	}
	r.completions.Inc()
}

// SessionsAbandoned counts sessions closed by the idle sweeper.
func (r *Recorder) SessionsAbandoned(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.abandoned.Add(float64(n))
}

// RateLimited counts a rejected inbound turn.
func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

// ConversationLogDropped counts a dropped log entry.
func (r *Recorder) ConversationLogDropped() {
	if r == nil {
		return
	}
	r.convlogDropped.Inc()
}
