// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors of a prerender process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buke/prerender/supervisor"
)

// Metrics holds all Prometheus metrics. It implements prerender.Observer.
type Metrics struct {
	// Visit metrics
	VisitsTotal   *prometheus.CounterVec
	VisitDuration prometheus.Histogram

	// Pool metrics
	SandboxBuilds        *prometheus.CounterVec
	SandboxBuildDuration prometheus.Histogram
	PoolPendingGauge     prometheus.Gauge

	// Cache metrics
	CacheStoreFailures prometheus.Counter

	// Supervisor metrics
	WorkerExits *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a fresh registry that also exports Go
// runtime and process metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		VisitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_visits_total",
				Help: "Total number of visits by outcome",
			},
			[]string{"outcome"},
		),
		VisitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prerender_visit_duration_seconds",
				Help:    "Visit duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),

		SandboxBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_sandbox_builds_total",
				Help: "Total number of sandbox builds by kind and result",
			},
			[]string{"kind", "result"},
		),
		SandboxBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prerender_sandbox_build_duration_seconds",
				Help:    "Sandbox build duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		PoolPendingGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_pool_pending",
				Help: "Number of sandboxes queued in the pool",
			},
		),

		CacheStoreFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_cache_store_failures_total",
				Help: "Total number of responses the cache failed to store",
			},
		),

		WorkerExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_worker_exits_total",
				Help: "Total number of worker process exits by cause",
			},
			[]string{"cause"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "code"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument counts and times the requests next serves.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.RequestDuration,
		promhttp.InstrumentHandlerCounter(m.RequestsTotal, next))
}

// SandboxBuilt records one sandbox build.
func (m *Metrics) SandboxBuilt(prewarmed bool, d time.Duration, err error) {
	kind := "cold"
	if prewarmed {
		kind = "prewarmed"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SandboxBuilds.WithLabelValues(kind, result).Inc()
	m.SandboxBuildDuration.Observe(d.Seconds())
}

// PoolPending records the queue length of the pool.
func (m *Metrics) PoolPending(n int) {
	m.PoolPendingGauge.Set(float64(n))
}

// VisitCompleted records a finished visit.
func (m *Metrics) VisitCompleted(outcome string, d time.Duration) {
	m.VisitsTotal.WithLabelValues(outcome).Inc()
	m.VisitDuration.Observe(d.Seconds())
}

// CacheStoreFailed records a response the cache could not store.
func (m *Metrics) CacheStoreFailed() {
	m.CacheStoreFailures.Inc()
}

// WorkerExited records a worker exit. It fits supervisor.WithExitHook.
func (m *Metrics) WorkerExited(exit supervisor.Exit) {
	m.WorkerExits.WithLabelValues(string(exit.Cause)).Inc()
}
