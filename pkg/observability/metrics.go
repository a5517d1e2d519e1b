package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Pipeline metrics
	DonationsTotal        *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	MillicentsDistributed prometheus.Counter
	LedgerPostingsTotal   *prometheus.CounterVec

	// Lock metrics
	LockAcquisitionsTotal *prometheus.CounterVec

	// Crawler metrics
	CrawlerRequestsTotal        *prometheus.CounterVec
	CrawlerRateLimitWaits       prometheus.Counter
	CrawlerRateLimitWaitSeconds prometheus.Counter
	CrawlerFetchesInFlight      prometheus.Gauge

	// Queue metrics
	QueueMessagesTotal *prometheus.CounterVec

	// Storage metrics
	StorageOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DonationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flossfund_donations_total",
				Help: "Total number of donation runs by flow and result",
			},
			[]string{"flow", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flossfund_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
			[]string{"stage"},
		),
		MillicentsDistributed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flossfund_millicents_distributed_total",
				Help: "Total millicents allocated to language/registry groups",
			},
		),
		LedgerPostingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flossfund_ledger_postings_total",
				Help: "Total number of package ledger entries written",
			},
			[]string{"language", "registry"},
		),

		LockAcquisitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flossfund_lock_acquisitions_total",
				Help: "Organization lock acquisition attempts by result",
			},
			[]string{"result"},
		),

		CrawlerRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flossfund_crawler_requests_total",
				Help: "Total number of code host API requests",
			},
			[]string{"endpoint", "status"},
		),
		CrawlerRateLimitWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flossfund_crawler_ratelimit_waits_total",
				Help: "Number of times the crawler suspended for a rate limit reset",
			},
		),
		CrawlerRateLimitWaitSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flossfund_crawler_ratelimit_wait_seconds_total",
				Help: "Total seconds spent suspended waiting for rate limit resets",
			},
		),
		CrawlerFetchesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flossfund_crawler_fetches_in_flight",
				Help: "Manifest content fetches currently in flight",
			},
		),

		QueueMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flossfund_queue_messages_total",
				Help: "Queue messages by queue and outcome",
			},
			[]string{"queue", "status"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flossfund_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
	}

	registry.MustRegister(
		m.DonationsTotal,
		m.StageDuration,
		m.MillicentsDistributed,
		m.LedgerPostingsTotal,
		m.LockAcquisitionsTotal,
		m.CrawlerRequestsTotal,
		m.CrawlerRateLimitWaits,
		m.CrawlerRateLimitWaitSeconds,
		m.CrawlerFetchesInFlight,
		m.QueueMessagesTotal,
		m.StorageOperationsTotal,
	)

	return m
}

// NewNopMetrics returns metrics registered on a throwaway registry, for callers that
// do not expose them.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry: registry,
	})
}

// RecordStorageOperation records a storage operation outcome
func (m *Metrics) RecordStorageOperation(operation, backend string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
}
