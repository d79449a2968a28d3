package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes metering metrics (e.g. Prometheus handler).
type Metrics interface {
	ObserveRecompute(trigger, outcome string, duration time.Duration)
	IncAnomaly(kind string)
	IncConflictRetry()
	IncPricingBasis(dimension, basis string)
	IncEvent(result string)
	SetQueueDepth(depth int)
	HTTPHandler() http.Handler
}

// Prometheus implements Metrics on a private registry
type Prometheus struct {
	registry *prometheus.Registry

	recomputes        *prometheus.CounterVec
	recomputeDuration *prometheus.HistogramVec
	anomalies         *prometheus.CounterVec
	conflictRetries   prometheus.Counter
	pricingBasis      *prometheus.CounterVec
	events            *prometheus.CounterVec
	queueDepth        prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		recomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_recomputes_total",
				Help: "Recompute invocations by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		recomputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meter_recompute_duration_seconds",
				Help:    "Recompute latency including conflict retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_anomalies_total",
				Help: "Clamped anomalies by kind",
			},
			[]string{"kind"},
		),
		conflictRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meter_conflict_retries_total",
				Help: "Critical sections retried after a serialization conflict",
			},
		),
		pricingBasis: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_pricing_basis_total",
				Help: "Resolved dimension prices by basis",
			},
			[]string{"dimension", "basis"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_events_total",
				Help: "Recompute events handled by the worker",
			},
			[]string{"result"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meter_event_queue_depth",
				Help: "Recompute events waiting in the queue after the last batch",
			},
		),
	}

	m.registry.MustRegister(
		m.recomputes,
		m.recomputeDuration,
		m.anomalies,
		m.conflictRetries,
		m.pricingBasis,
		m.events,
		m.queueDepth,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Prometheus) ObserveRecompute(trigger, outcome string, duration time.Duration) {
	m.recomputes.WithLabelValues(trigger, outcome).Inc()
	m.recomputeDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func (m *Prometheus) IncAnomaly(kind string) {
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Prometheus) IncConflictRetry() {
	m.conflictRetries.Inc()
}

func (m *Prometheus) IncPricingBasis(dimension, basis string) {
	m.pricingBasis.WithLabelValues(dimension, basis).Inc()
}

func (m *Prometheus) IncEvent(result string) {
	m.events.WithLabelValues(result).Inc()
}

func (m *Prometheus) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Prometheus) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) ObserveRecompute(trigger, outcome string, duration time.Duration) {}
func (m *NoopMetrics) IncAnomaly(kind string)                                           {}
func (m *NoopMetrics) IncConflictRetry()                                                {}
func (m *NoopMetrics) IncPricingBasis(dimension, basis string)                          {}
func (m *NoopMetrics) IncEvent(result string)                                           {}
func (m *NoopMetrics) SetQueueDepth(depth int)                                          {}

func (m *NoopMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
