// Package metrics publishes Prometheus telemetry for the cache lifecycle
// components: invalidation runs, monitor sampling, alerts, warming passes,
// and performance tests.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for lifecycle activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	invalidations       *prometheus.CounterVec
	invalidatedEntries  *prometheus.CounterVec
	invalidationLatency *prometheus.HistogramVec

	alertsRaised   *prometheus.CounterVec
	monitorSamples prometheus.Counter
	monitorHitRate prometheus.Gauge

	warmingPasses  *prometheus.CounterVec
	warmingLatency prometheus.Histogram

	perfTests *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachelife",
		Subsystem: "invalidation",
		Name:      "runs_total",
		Help:      "Invalidation executions by strategy and outcome.",
	}, []string{"strategy", "result"})

	invalidatedEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachelife",
		Subsystem: "invalidation",
		Name:      "entries_total",
		Help:      "Cache entries removed by invalidation executions.",
	}, []string{"strategy"})

	invalidationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cachelife",
		Subsystem: "invalidation",
		Name:      "run_duration_seconds",
		Help:      "Latency distribution for invalidation executions.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"strategy", "result"})

	alertsRaised := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachelife",
		Subsystem: "monitor",
		Name:      "alerts_total",
		Help:      "Alerts raised by the cache monitor, by type and severity.",
	}, []string{"type", "severity"})

	monitorSamples := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cachelife",
		Subsystem: "monitor",
		Name:      "samples_total",
		Help:      "Metric sampling ticks completed by the cache monitor.",
	})

	monitorHitRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cachelife",
		Subsystem: "monitor",
		Name:      "hit_rate_percent",
		Help:      "Most recently sampled cache hit rate.",
	})

	warmingPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachelife",
		Subsystem: "warming",
		Name:      "passes_total",
		Help:      "Warming passes by outcome.",
	}, []string{"result"})

	warmingLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cachelife",
		Subsystem: "warming",
		Name:      "pass_duration_seconds",
		Help:      "Latency distribution for completed warming passes.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	perfTests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachelife",
		Subsystem: "perf",
		Name:      "tests_total",
		Help:      "Performance test runs by outcome.",
	}, []string{"result"})

	reg.MustRegister(
		invalidations, invalidatedEntries, invalidationLatency,
		alertsRaised, monitorSamples, monitorHitRate,
		warmingPasses, warmingLatency, perfTests,
	)

	return &Recorder{
		gatherer:            reg,
		handler:             promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		invalidations:       invalidations,
		invalidatedEntries:  invalidatedEntries,
		invalidationLatency: invalidationLatency,
		alertsRaised:        alertsRaised,
		monitorSamples:      monitorSamples,
		monitorHitRate:      monitorHitRate,
		warmingPasses:       warmingPasses,
		warmingLatency:      warmingLatency,
		perfTests:           perfTests,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveInvalidation records one invalidation execution.
func (r *Recorder) ObserveInvalidation(strategy, result string, entries int, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	resultLabel := normalizeLabel(result)
	r.invalidations.WithLabelValues(strategyLabel, resultLabel).Inc()
	r.invalidationLatency.WithLabelValues(strategyLabel, resultLabel).Observe(duration.Seconds())
	if entries > 0 {
		r.invalidatedEntries.WithLabelValues(strategyLabel).Add(float64(entries))
	}
}

// ObserveAlert records a newly raised alert.
func (r *Recorder) ObserveAlert(alertType, severity string) {
	if r == nil {
		return
	}
	r.alertsRaised.WithLabelValues(normalizeLabel(alertType), normalizeLabel(severity)).Inc()
}

// ObserveSample records one monitor sampling tick and the hit rate it saw.
func (r *Recorder) ObserveSample(hitRate float64) {
	if r == nil {
		return
	}
	r.monitorSamples.Inc()
	r.monitorHitRate.Set(hitRate)
}

// ObserveWarming records a completed (or failed) warming pass.
func (r *Recorder) ObserveWarming(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.warmingPasses.WithLabelValues(normalizeLabel(result)).Inc()
	r.warmingLatency.Observe(duration.Seconds())
}

// ObservePerfTest records a completed performance test.
func (r *Recorder) ObservePerfTest(result string) {
	if r == nil {
		return
	}
	r.perfTests.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
