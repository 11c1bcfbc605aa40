/*
Package metrics provides Prometheus metrics collection and exposition for the
migration daemon.

All metrics are registered at package init against the default Prometheus
registry and exposed via Handler() for scraping.

# Families

	migrator_migrations_by_status       gauge, current count per status
	migrator_migrations_created_total   counter
	migrator_migrations_completed_total counter
	migrator_migrations_failed_total    counter, labeled by error kind
	migrator_migrations_cancelled_total counter

	migrator_jobs_dequeued_total        counter, labeled by queue
	migrator_job_retries_total          counter, labeled by step and error kind
	migrator_job_queue_depth            gauge, labeled by queue
	migrator_phase_duration_seconds     histogram, labeled by step

	migrator_blobs_transferred_total    counter
	migrator_blobs_failed_total         counter
	migrator_bytes_transferred_total    counter

	migrator_pds_requests_total         counter, labeled by op and status
	migrator_pds_request_duration_seconds histogram, labeled by op
	migrator_pds_rate_limit_hits_total  counter, labeled by op

	migrator_api_requests_total         counter, labeled by method and status
	migrator_api_request_duration_seconds histogram

	migrator_backups_expired_total      counter
	migrator_housekeeper_cycle_duration_seconds histogram

# Collection

Most counters are incremented inline at the call site (the job runtime, the
PDS adapter, the API middleware). migrator_migrations_by_status is the
exception: it needs a full status census, which Collector runs on a 15
second tick against the store rather than on every request.

	c := metrics.NewCollector(store)
	c.Start()
	defer c.Stop()

# Timing

Timer wraps time.Now() and can report to either a plain Histogram or a
HistogramVec:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PhaseDuration, string(job.Step))

# Process health

health.go provides a small in-process component registry (RegisterComponent,
UpdateComponent) backing /health, /ready, and /live HTTP handlers, independent
of the Prometheus registry above. cmd/migratord registers "store", "vault",
and "api" as the components readiness depends on.
*/
package metrics
