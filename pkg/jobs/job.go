// Package jobs implements the job runtime of spec.md §4.2: priority
// queues, per-error-class retry policies, global concurrency bounds, and
// delayed re-enqueue. It is the vehicle the orchestrator phases (pkg
// orchestrator) run on; the migration's status field, not the job, is the
// source of truth (spec.md §4.1).
package jobs

import "time"

// Queue is one of the four priority classes of spec.md §4.2.
type Queue string

const (
	QueueCritical   Queue = "critical"   // priority 10: directory submit, activation
	QueueMigrations Queue = "migrations" // priority 5: all prior migration phases
	QueueDefault    Queue = "default"    // priority 3
	QueueLow        Queue = "low"        // priority 1: housekeeping
)

// Priority returns the numeric priority used to order queue drains when a
// single worker pool is shared across queues.
func (q Queue) Priority() int {
	switch q {
	case QueueCritical:
		return 10
	case QueueMigrations:
		return 5
	case QueueDefault:
		return 3
	case QueueLow:
		return 1
	default:
		return 0
	}
}

// Step identifies which phase handler a job dispatches to. Kept as a plain
// string (not an enum shared with pkg/migration) so the job runtime has no
// compile-time dependency on the set of phases the orchestrator defines.
type Step string

// Job is one unit of work the runtime dequeues and dispatches to a
// registered handler.
type Job struct {
	ID          string    `json:"id"`
	MigrationID int64     `json:"migration_id"`
	Queue       Queue     `json:"queue"`
	Step        Step      `json:"step"`
	Payload     []byte    `json:"payload,omitempty"` // opaque, step-specific (e.g. blob ids to retry)
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	NotBefore   time.Time `json:"not_before"` // delayed re-enqueue gate
	CreatedAt   time.Time `json:"created_at"`
}

// Ready reports whether the job's delay has elapsed.
func (j *Job) Ready(now time.Time) bool {
	return !now.Before(j.NotBefore)
}
