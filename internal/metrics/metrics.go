// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the pipeline metrics registered on one registry.
type Collectors struct {
	gatherer prometheus.Gatherer

	stepSeconds *prometheus.HistogramVec
	recomputes  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	bufferBytes prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collectors{
		gatherer: reg,
		stepSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kana_step_compute_seconds",
			Help:    "Time spent in a step's compute call",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"step"}),
		recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kana_step_recompute_total",
			Help: "Compute calls that produced new results",
		}, []string{"step"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kana_runs_total",
			Help: "Finished analysis runs by status",
		}, []string{"status"}),
		bufferBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "kana_buffer_bytes",
			Help: "Bytes held by step caches after the last run",
		}),
	}
}

// ObserveStep records one compute call.
func (c *Collectors) ObserveStep(step string, elapsed time.Duration, changed bool) {
	c.stepSeconds.WithLabelValues(step).Observe(elapsed.Seconds())
	if changed {
		c.recomputes.WithLabelValues(step).Inc()
	}
}

// ObserveRun counts a finished run.
func (c *Collectors) ObserveRun(status string) {
	c.runs.WithLabelValues(status).Inc()
}

// SetBufferBytes records the cache footprint.
func (c *Collectors) SetBufferBytes(n int) {
	c.bufferBytes.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
