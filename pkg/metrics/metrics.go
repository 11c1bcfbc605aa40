package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Migration inventory
	MigrationsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migrator_migrations_by_status",
			Help: "Current number of migrations in each status",
		},
		[]string{"status"},
	)

	MigrationsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_migrations_created_total",
			Help: "Total number of migrations created after email verification",
		},
	)

	MigrationsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_migrations_completed_total",
			Help: "Total number of migrations that reached completed",
		},
	)

	MigrationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrator_migrations_failed_total",
			Help: "Total number of migrations that reached failed, by error kind",
		},
		[]string{"kind"},
	)

	MigrationsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_migrations_cancelled_total",
			Help: "Total number of migrations cancelled before pending_plc",
		},
	)

	// Job runtime metrics
	JobsDequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrator_jobs_dequeued_total",
			Help: "Total number of jobs dequeued, by queue",
		},
		[]string{"queue"},
	)

	JobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrator_job_retries_total",
			Help: "Total number of job retries, by step and error kind",
		},
		[]string{"step", "kind"},
	)

	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migrator_job_queue_depth",
			Help: "Number of jobs currently waiting in each queue",
		},
		[]string{"queue"},
	)

	// Phase duration histograms
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrator_phase_duration_seconds",
			Help:    "Time taken to run a migration phase handler to completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"step"},
	)

	// Blob transfer metrics
	BlobsTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_blobs_transferred_total",
			Help: "Total number of blobs successfully transferred",
		},
	)

	BlobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_blobs_failed_total",
			Help: "Total number of blobs that permanently failed transfer",
		},
	)

	BytesTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_bytes_transferred_total",
			Help: "Total number of blob bytes transferred",
		},
	)

	// PDS adapter metrics
	PDSRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrator_pds_requests_total",
			Help: "Total number of PDS XRPC requests, by operation and status",
		},
		[]string{"op", "status"},
	)

	PDSRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrator_pds_request_duration_seconds",
			Help:    "PDS XRPC request duration in seconds, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	PDSRateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrator_pds_rate_limit_hits_total",
			Help: "Total number of rate-limit responses observed, by operation",
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrator_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrator_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Housekeeper metrics
	BackupsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migrator_backups_expired_total",
			Help: "Total number of backup bundles deleted by the housekeeper after retention expiry",
		},
	)

	HousekeeperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "migrator_housekeeper_cycle_duration_seconds",
			Help:    "Time taken for a housekeeper sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(MigrationsByStatus)
	prometheus.MustRegister(MigrationsCreatedTotal)
	prometheus.MustRegister(MigrationsCompletedTotal)
	prometheus.MustRegister(MigrationsFailedTotal)
	prometheus.MustRegister(MigrationsCancelledTotal)

	prometheus.MustRegister(JobsDequeuedTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(PhaseDuration)

	prometheus.MustRegister(BlobsTransferredTotal)
	prometheus.MustRegister(BlobsFailedTotal)
	prometheus.MustRegister(BytesTransferredTotal)

	prometheus.MustRegister(PDSRequestsTotal)
	prometheus.MustRegister(PDSRequestDuration)
	prometheus.MustRegister(PDSRateLimitHitsTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(BackupsExpiredTotal)
	prometheus.MustRegister(HousekeeperCycleDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
