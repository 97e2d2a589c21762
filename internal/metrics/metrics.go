// Package metrics exposes Prometheus collectors for the dispatcher, workers and directory.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueJobs                  *prometheus.GaugeVec
	jobsLeasedTotal            *prometheus.CounterVec
	jobsCompletedTotal         *prometheus.CounterVec
	leaseTimeoutsTotal         *prometheus.CounterVec
	jobsFailedTotal            *prometheus.CounterVec
	jobsDiscoveredTotal        prometheus.Counter
	recordsPersistedTotal      *prometheus.CounterVec
	recordsDroppedTotal        *prometheus.CounterVec
	workerBatchSize            *prometheus.GaugeVec
	workerCycleSeconds         *prometheus.HistogramVec
	apiRequestsTotal           *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. It is safe to call multiple times; the Observe
// helpers call it themselves.
func Init() {
	once.Do(func() {
		queueJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vine_queue_jobs",
				Help: "Jobs held by the dispatcher, labeled by state (idle, pending, done).",
			},
			[]string{"state"},
		)

		jobsLeasedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_jobs_leased_total",
				Help: "Total number of jobs leased to workers, labeled by job type.",
			},
			[]string{"type"},
		)

		jobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_jobs_completed_total",
				Help: "Total number of jobs marked done, labeled by job type.",
			},
			[]string{"type"},
		)

		leaseTimeoutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_lease_timeouts_total",
				Help: "Total number of leases that expired before completion, labeled by job type.",
			},
			[]string{"type"},
		)

		jobsFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_jobs_failed_total",
				Help: "Total number of jobs dropped after exhausting their retries, labeled by job type.",
			},
			[]string{"type"},
		)

		jobsDiscoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vine_jobs_discovered_total",
				Help: "Total number of new jobs enqueued through discovery.",
			},
		)

		recordsPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_records_persisted_total",
				Help: "Total number of record puts, labeled by collection and status.",
			},
			[]string{"collection", "status"},
		)

		recordsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_records_dropped_total",
				Help: "Total number of submitted records that were not persisted, labeled by reason.",
			},
			[]string{"reason"},
		)

		workerBatchSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vine_worker_batch_size",
				Help: "Current adaptive batch size per worker.",
			},
			[]string{"worker"},
		)

		workerCycleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vine_worker_cycle_duration_seconds",
				Help:    "Histogram of worker lease-execute-report cycle durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"worker"},
		)

		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_api_requests_total",
				Help: "Total number of external API requests, labeled by operation and status.",
			},
			[]string{"operation", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vine_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vine_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vine_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetQueue updates the queue gauges.
func SetQueue(idle, pending, done int) {
	Init()
	queueJobs.WithLabelValues("idle").Set(float64(idle))
	queueJobs.WithLabelValues("pending").Set(float64(pending))
	queueJobs.WithLabelValues("done").Set(float64(done))
}

// ObserveLease counts a job handed to a worker.
func ObserveLease(jobType string) {
	Init()
	jobsLeasedTotal.WithLabelValues(jobType).Inc()
}

// ObserveCompleted counts a job marked done.
func ObserveCompleted(jobType string) {
	Init()
	jobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// ObserveLeaseTimeout counts an expired lease, and a failure when the job was dropped.
func ObserveLeaseTimeout(jobType string, failed bool) {
	Init()
	leaseTimeoutsTotal.WithLabelValues(jobType).Inc()
	if failed {
		jobsFailedTotal.WithLabelValues(jobType).Inc()
	}
}

// ObserveDiscovered counts newly enqueued jobs.
func ObserveDiscovered(n int) {
	Init()
	if n > 0 {
		jobsDiscoveredTotal.Add(float64(n))
	}
}

// ObserveRecordPut counts a record put attempt.
func ObserveRecordPut(collection string, err error) {
	Init()
	status := "success"
	if err != nil {
		status = "error"
	}
	recordsPersistedTotal.WithLabelValues(collection, status).Inc()
}

// ObserveRecordDropped counts a record that was skipped.
func ObserveRecordDropped(reason string) {
	Init()
	recordsDroppedTotal.WithLabelValues(reason).Inc()
}

// SetWorkerBatchSize publishes a worker's current batch size.
func SetWorkerBatchSize(worker string, size int) {
	Init()
	workerBatchSize.WithLabelValues(worker).Set(float64(size))
}

// ObserveWorkerCycle records one worker cycle duration.
func ObserveWorkerCycle(worker string, duration time.Duration) {
	Init()
	workerCycleSeconds.WithLabelValues(worker).Observe(duration.Seconds())
}

// ObserveAPIRequest counts an external API call.
func ObserveAPIRequest(operation string, err error) {
	Init()
	status := "success"
	if err != nil {
		status = "error"
	}
	apiRequestsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
