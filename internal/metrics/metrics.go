// Package metrics provides Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	rateLimitHits *prometheus.CounterVec
	quotaDenials  prometheus.Counter
	jobsEnqueued  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRetried   prometheus.Counter
}

// New creates and registers the service collectors on a fresh registry.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total HTTP requests by method, path and status.",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration.",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Current number of in-flight HTTP requests.",
			ConstLabels: labels,
		}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rate_limit_decisions_total",
			Help:        "Rate limit decisions by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		quotaDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quota_denials_total",
			Help:        "Requests denied by credit quota enforcement.",
			ConstLabels: labels,
		}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "generation_jobs_enqueued_total",
			Help:        "Generation jobs enqueued.",
			ConstLabels: labels,
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "generation_jobs_completed_total",
			Help:        "Generation jobs completed successfully.",
			ConstLabels: labels,
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "generation_jobs_failed_total",
			Help:        "Generation jobs that failed terminally.",
			ConstLabels: labels,
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "generation_jobs_retried_total",
			Help:        "Worker-scheduled job retries.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.httpRequests, m.httpDuration, m.inFlight,
		m.rateLimitHits, m.quotaDenials,
		m.jobsEnqueued, m.jobsCompleted, m.jobsFailed, m.jobsRetried,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementInFlight increments the in-flight request gauge.
func (m *Metrics) IncrementInFlight() { m.inFlight.Inc() }

// DecrementInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrementInFlight() { m.inFlight.Dec() }

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimitDecision records an allowed/denied rate limit outcome.
func (m *Metrics) RecordRateLimitDecision(allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.rateLimitHits.WithLabelValues(outcome).Inc()
}

// RecordQuotaDenial records a quota denial.
func (m *Metrics) RecordQuotaDenial() { m.quotaDenials.Inc() }

// RecordJobEnqueued records an enqueued job.
func (m *Metrics) RecordJobEnqueued() { m.jobsEnqueued.Inc() }

// RecordJobCompleted records a completed job.
func (m *Metrics) RecordJobCompleted() { m.jobsCompleted.Inc() }

// RecordJobFailed records a terminally failed job.
func (m *Metrics) RecordJobFailed() { m.jobsFailed.Inc() }

// RecordJobRetried records a worker-scheduled retry.
func (m *Metrics) RecordJobRetried() { m.jobsRetried.Inc() }
