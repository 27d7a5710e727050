// Package metrics exposes Prometheus collectors for the worker pool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xdao.co/notarize/errs"
)

const namespace = "notarize"

// Metrics records iteration outcomes on its own registry.
type Metrics struct {
	registry   *prometheus.Registry
	iterations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
	workers    prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Notarization iterations by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one notarization iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iterations_in_flight",
			Help:      "Iterations currently running.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers in the running pool.",
		}),
	}
	m.registry.MustRegister(m.iterations, m.duration, m.inFlight, m.workers)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetWorkers records the pool size.
func (m *Metrics) SetWorkers(n int) { m.workers.Set(float64(n)) }

// Started marks an iteration as running.
func (m *Metrics) Started() { m.inFlight.Inc() }

// Finished records an iteration that ran for d and ended with err.
func (m *Metrics) Finished(err error, d time.Duration) {
	m.inFlight.Dec()
	outcome, kind := "success", ""
	if err != nil {
		outcome = "failure"
		kind = string(errs.KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
	}
	m.iterations.WithLabelValues(outcome, kind).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}
