/*
Package health provides pluggable health checkers for monitoring the
migration daemon's own dependencies: the PDS hosts a migration talks to, the
identity directory, and local infrastructure (bbolt store, work-root disk).

# Checkers

Three Checker implementations, all satisfying:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

HTTPChecker polls a URL and accepts a configurable status-code range — used
for a PDS's or the directory host's health endpoint.

TCPChecker dials a host:port — used for a bare connectivity probe when an
HTTP health endpoint isn't available.

ExecChecker runs a local command and treats a zero exit code as healthy —
used for local infrastructure checks (disk space under the work root, a
bbolt file lock probe).

# Status tracking

Status accumulates consecutive failures/successes against a Config's Retries
threshold, so a single flaky check doesn't flip overall health:

	status := health.NewStatus()
	cfg := health.DefaultConfig()
	for {
		result := checker.Check(ctx)
		status.Update(result, cfg)
		if !status.InStartPeriod(cfg) && !status.Healthy {
			// alert / mark degraded
		}
		time.Sleep(cfg.Interval)
	}

This package holds the checker primitives only; pkg/metrics/health.go owns
the process-wide /health, /ready, /live HTTP surface that cmd/migratord
exposes, registering components (store, vault, api) independently of
whatever per-PDS checkers an operator wires up here.
*/
package health
