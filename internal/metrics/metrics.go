// Package metrics exposes Prometheus collectors for the harvester's HTTP
// client, worker pool and status server.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes recorded per physical attempt.
const (
	OutcomeOK             = "ok"
	OutcomeRetriable      = "retriable_status"
	OutcomeTransportError = "transport_error"
	OutcomeDecodeError    = "decode_error"
	OutcomeClientError    = "client_error"
)

var (
	bitbucketRequestsTotal        *prometheus.CounterVec
	bitbucketRequestDuration      *prometheus.HistogramVec
	bitbucketExhaustedTotal       prometheus.Counter
	bitbucketPagesDroppedTotal    prometheus.Counter
	harvestRateLimitDelaysSeconds prometheus.Histogram
	harvestActiveWorkers          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		bitbucketRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitbucket_requests_total",
				Help: "Physical requests sent to the Bitbucket REST API, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		bitbucketRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bitbucket_request_duration_seconds",
				Help:    "Latency of physical Bitbucket requests, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		bitbucketExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bitbucket_retries_exhausted_total",
				Help: "Logical requests that gave up after the retry ceiling.",
			},
		)

		bitbucketPagesDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bitbucket_pages_dropped_total",
				Help: "Paged listings truncated because a page could not be fetched.",
			},
		)

		harvestRateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently processing a repository.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one physical Bitbucket request.
func ObserveRequest(outcome string, duration time.Duration) {
	Init()
	bitbucketRequestsTotal.WithLabelValues(outcome).Inc()
	bitbucketRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveExhausted counts a logical request that ran out of attempts.
func ObserveExhausted() {
	Init()
	bitbucketExhaustedTotal.Inc()
}

// ObservePageDropped counts a truncated paged listing.
func ObservePageDropped() {
	Init()
	bitbucketPagesDroppedTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	harvestRateLimitDelaysSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	harvestActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
