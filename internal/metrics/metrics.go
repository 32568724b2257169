// Package metrics exposes Prometheus metrics for job registration, resolution,
// callbacks and the executor circuit breaker.
//
// Counters:
//   - jobgate_jobs_registered_total
//   - jobgate_jobs_completed_total
//   - jobgate_jobs_failed_total{reason}
//   - jobgate_callbacks_total{outcome}
//
// Gauges:
//   - jobgate_jobs_waiting
//   - jobgate_breaker_state (0 closed, 1 half-open, 2 open)
//
// Histograms:
//   - jobgate_job_latency_seconds{status}, registration to terminal outcome
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the jobgate metrics.
type Collector struct {
	jobsRegistered prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobsWaiting    prometheus.Gauge
	jobLatency     *prometheus.HistogramVec
	callbacks      *prometheus.CounterVec
	breakerState   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them on reg. If reg is also
// a Gatherer, Handler serves it; otherwise Handler serves the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobgate_jobs_registered_total",
			Help: "Total number of jobs registered",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobgate_jobs_completed_total",
			Help: "Total number of jobs resolved as Completed",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_jobs_failed_total",
			Help: "Total number of jobs resolved with any other terminal status, by reason",
		}, []string{"reason"}),
		jobsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobgate_jobs_waiting",
			Help: "Current number of callers waiting on a job",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobgate_job_latency_seconds",
			Help:    "Time from job registration to terminal outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_callbacks_total",
			Help: "Total number of executor callbacks received, by outcome",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobgate_breaker_state",
			Help: "Executor circuit breaker state: 0 closed, 1 half-open, 2 open",
		}),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(
		c.jobsRegistered,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsWaiting,
		c.jobLatency,
		c.callbacks,
		c.breakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	return c
}

func (c *Collector) RecordRegistered() {
	c.jobsRegistered.Inc()
}

// RecordResolved records a terminal outcome. reason is empty for Completed.
func (c *Collector) RecordResolved(status, reason string, latencySeconds float64) {
	if reason == "" {
		c.jobsCompleted.Inc()
	} else {
		c.jobsFailed.WithLabelValues(reason).Inc()
	}
	c.jobLatency.WithLabelValues(status).Observe(latencySeconds)
}

func (c *Collector) WaitStarted() {
	c.jobsWaiting.Inc()
}

func (c *Collector) WaitEnded() {
	c.jobsWaiting.Dec()
}

func (c *Collector) RecordCallback(outcome string) {
	c.callbacks.WithLabelValues(outcome).Inc()
}

// SetBreakerState records the breaker state using gobreaker's numbering.
func (c *Collector) SetBreakerState(state int) {
	c.breakerState.Set(float64(state))
}

// Handler serves the registry the collector was registered on.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
