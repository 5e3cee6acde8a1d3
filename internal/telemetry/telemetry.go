// Package telemetry exposes Prometheus collectors for the crawlgate service.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission outcome labels recorded by ObserveAdmission.
const (
	OutcomeAllowed     = "allowed"
	OutcomeGlobalLimit = "global_limit"
	OutcomeSourceLimit = "source_limit"
	OutcomeQueueDepth  = "queue_depth"
	OutcomeNoTokens    = "no_tokens"
)

var (
	admissionDecisionsTotal    *prometheus.CounterVec
	crawlsTotal                *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	activeCrawls               prometheus.Gauge
	queueDepth                 prometheus.Gauge
	availableTokens            prometheus.Gauge
	underBackpressure          prometheus.Gauge
	politenessDelaySeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlgate_admission_decisions_total",
				Help: "Total admission decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlgate_crawls_total",
				Help: "Total crawls executed, labeled by status.",
			},
			[]string{"status"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlgate_crawl_duration_seconds",
				Help:    "Histogram of crawl fetch durations, labeled by source.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlgate_active_crawls",
				Help: "Number of crawls currently in flight.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlgate_queue_depth",
				Help: "Reported depth of the crawl queue.",
			},
		)

		availableTokens = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlgate_available_tokens",
				Help: "Tokens currently available in the admission bucket.",
			},
		)

		underBackpressure = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlgate_under_backpressure",
				Help: "1 when the engine reports backpressure, 0 otherwise.",
			},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlgate_politeness_delay_seconds",
				Help:    "Histogram of per-source politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
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

// ObserveAdmission increments the decision counter for the given outcome.
func ObserveAdmission(outcome string) {
	admissionDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCrawl records one finished crawl.
func ObserveCrawl(source, status string, duration time.Duration) {
	crawlsTotal.WithLabelValues(status).Inc()
	crawlDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObservePolitenessDelay records a per-source rate limit wait.
func ObservePolitenessDelay(source string, duration time.Duration) {
	politenessDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetLoadGauges updates the sampled engine gauges.
func SetLoadGauges(active, depth int, tokens float64, pressured bool) {
	activeCrawls.Set(float64(active))
	queueDepth.Set(float64(depth))
	availableTokens.Set(tokens)
	if pressured {
		underBackpressure.Set(1)
	} else {
		underBackpressure.Set(0)
	}
}
