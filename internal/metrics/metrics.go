// Package metrics exports the Prometheus instruments for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument on a private registry so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksReceived         *prometheus.CounterVec
	JobsProcessed            *prometheus.CounterVec
	JobDuration              *prometheus.HistogramVec
	ArtifactsProcessed       *prometheus.CounterVec
	ArtifactBytes            prometheus.Counter
	TestResultsIngested      prometheus.Counter
	OccurrencesInserted      *prometheus.CounterVec
	ScoresRecomputed         prometheus.Counter
	GitHubRequests           *prometheus.CounterVec
	GitHubRateLimitRemaining prometheus.Gauge
	QueueDepth               *prometheus.GaugeVec
	StalledJobs              *prometheus.CounterVec
	HTTPRequests             *prometheus.CounterVec
	HTTPDuration             *prometheus.HistogramVec
}

// New creates a Metrics with all instruments registered on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_webhooks_received_total",
			Help: "Webhook deliveries by event type and outcome.",
		}, []string{"event", "outcome"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_jobs_processed_total",
			Help: "Queue jobs by queue, job type and outcome.",
		}, []string{"queue", "type", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flakeguard_job_duration_seconds",
			Help:    "Queue job processing duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"queue", "type"}),
		ArtifactsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_artifacts_processed_total",
			Help: "CI artifacts by processing outcome.",
		}, []string{"outcome"}),
		ArtifactBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_artifact_bytes_total",
			Help: "Bytes downloaded from artifact storage.",
		}),
		TestResultsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_test_results_ingested_total",
			Help: "Test results parsed from reports.",
		}),
		OccurrencesInserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_occurrences_inserted_total",
			Help: "Occurrence writes by outcome (inserted or duplicate).",
		}, []string{"outcome"}),
		ScoresRecomputed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_scores_recomputed_total",
			Help: "Flake score recomputations.",
		}),
		GitHubRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_github_requests_total",
			Help: "Outbound GitHub API requests by method and status class.",
		}, []string{"method", "status"}),
		GitHubRateLimitRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flakeguard_github_rate_limit_remaining",
			Help: "Remaining GitHub API quota from the last response.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flakeguard_queue_depth",
			Help: "Jobs per queue and state.",
		}, []string{"queue", "state"}),
		StalledJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_stalled_jobs_total",
			Help: "Jobs reclaimed after their processing lock expired.",
		}, []string{"queue"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_http_requests_total",
			Help: "API requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flakeguard_http_request_duration_seconds",
			Help:    "API request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
