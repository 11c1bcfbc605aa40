package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/statemachine"
)

// Store is the durable queue + migration lookup surface the runtime needs.
// A concrete implementation lives in pkg/store; tests may supply a fake.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue returns the next ready job across all queues, highest
	// priority first, or (nil, nil) if none are ready.
	Dequeue(ctx context.Context) (*Job, error)
	Delete(ctx context.Context, jobID string) error
	LoadMigration(ctx context.Context, id int64) (*migration.Migration, error)
	SaveMigration(ctx context.Context, m *migration.Migration) error
	CountInStatus(ctx context.Context, status migration.Status) (int, error)
}

// Handler executes one job's phase-specific work. It must itself perform
// the idempotency entry check (spec.md §4.1) before doing anything with
// side effects — the runtime does not inspect migration status.
type Handler func(ctx context.Context, m *migration.Migration, job *Job) error

// MaxConcurrentBlobMigrations is the default admission-control cap of
// spec.md §4.2/§6.5 (MAX_CONCURRENT_BLOB_MIGRATIONS / MAX_CONCURRENT_MIGRATIONS).
const MaxConcurrentBlobMigrations = 15

// BlobAdmissionRequeueDelay is the fixed delay a blob-phase job re-enqueues
// itself with when at capacity (spec.md §4.2).
const BlobAdmissionRequeueDelay = 30 * time.Second

// Runtime is the worker-pool job runtime of spec.md §4.2.
type Runtime struct {
	store    Store
	handlers map[Step]registeredHandler
	logger   zerolog.Logger
	broker   *events.Broker

	maxConcurrentBlobMigrations int
	pollInterval                time.Duration

	workerCount  int
	wg           sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	lastPollUnix atomic.Int64 // updated by every worker's poll tick, for liveness checks
}

type registeredHandler struct {
	handler  Handler
	critical bool
	heavy    bool // heavy upload: extends network/timeout attempt budget
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithWorkerCount overrides the default worker-pool size.
func WithWorkerCount(n int) Option {
	return func(r *Runtime) { r.workerCount = n }
}

// WithMaxConcurrentBlobMigrations overrides MAX_CONCURRENT_BLOB_MIGRATIONS.
func WithMaxConcurrentBlobMigrations(n int) Option {
	return func(r *Runtime) { r.maxConcurrentBlobMigrations = n }
}

// WithPollInterval overrides how often idle workers poll the store.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) { r.pollInterval = d }
}

// WithBroker wires an event broker so the runtime can publish
// migration.failed and phase.retried events (spec.md §2 component 7). Nil
// is the default and leaves publishing a no-op.
func WithBroker(b *events.Broker) Option {
	return func(r *Runtime) { r.broker = b }
}

func (r *Runtime) publish(eventType events.EventType, message string, m *migration.Migration, job *Job) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"token": m.Token,
			"did":   m.DID,
			"step":  string(job.Step),
		},
	})
}

// NewRuntime constructs a job runtime backed by store.
func NewRuntime(store Store, opts ...Option) *Runtime {
	r := &Runtime{
		store:                       store,
		handlers:                    make(map[Step]registeredHandler),
		logger:                      log.WithComponent("jobs"),
		maxConcurrentBlobMigrations: MaxConcurrentBlobMigrations,
		pollInterval:                500 * time.Millisecond,
		workerCount:                 8,
		stopCh:                      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds a Step to its phase implementation. critical marks
// the two point-of-no-return phases (directory submit, activation), which
// use the tighter retry policy of spec.md §4.2/§7. heavy marks phases whose
// network/timeout retry budget is extended to 7 attempts (the repo upload).
func (r *Runtime) RegisterHandler(step Step, h Handler, critical, heavy bool) {
	r.handlers[step] = registeredHandler{handler: h, critical: critical, heavy: heavy}
}

// Enqueue submits a new job, defaulting MaxAttempts from the step's
// registered retry policy if unset.
func (r *Runtime) Enqueue(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return r.store.Enqueue(ctx, job)
}

// Start spins up the worker pool. Each worker runs on its own goroutine and
// processes jobs to completion before pulling the next one, mirroring the
// teacher's one-job-per-thread model (spec.md §5).
func (r *Runtime) Start(ctx context.Context) {
	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}
}

// Stop signals all workers to exit after their current job and waits for
// them to drain.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// LastActivity returns when a worker last polled the store, for a health
// check to compare against its own poll interval and decide the worker
// pool has wedged. Zero until the first tick after Start.
func (r *Runtime) LastActivity() time.Time {
	unix := r.lastPollUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(0, unix)
}

func (r *Runtime) workerLoop(ctx context.Context, workerID int) {
	defer r.wg.Done()
	logger := r.logger.With().Int("worker_id", workerID).Logger()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.lastPollUnix.Store(time.Now().UnixNano())
			job, err := r.store.Dequeue(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("dequeue failed")
				continue
			}
			if job == nil {
				continue
			}
			r.process(ctx, job, logger)
		}
	}
}

func (r *Runtime) process(ctx context.Context, job *Job, logger zerolog.Logger) {
	reg, ok := r.handlers[job.Step]
	if !ok {
		logger.Error().Str("step", string(job.Step)).Msg("no handler registered for step")
		return
	}

	m, err := r.store.LoadMigration(ctx, job.MigrationID)
	if err != nil {
		logger.Error().Err(err).Int64("migration_id", job.MigrationID).Msg("failed to load migration for job")
		return
	}

	jobLogger := logger.With().Str("token", m.Token).Str("step", string(job.Step)).Int("attempt", job.Attempt+1).Logger()

	m.CurrentJobStep = string(job.Step)
	m.CurrentJobAttempt = job.Attempt + 1
	m.CurrentJobMaxAttempts = job.MaxAttempts

	handlerErr := reg.handler(ctx, m, job)
	if handlerErr == nil {
		if err := r.store.SaveMigration(ctx, m); err != nil {
			jobLogger.Error().Err(err).Msg("failed to persist migration after successful job")
		}
		if err := r.store.Delete(ctx, job.ID); err != nil {
			jobLogger.Error().Err(err).Msg("failed to delete completed job")
		}
		return
	}

	// Admission-control re-enqueue is signaled as a sentinel error so the
	// blob phase handler can request it without the runtime special-casing
	// migration status.
	if rd, ok := handlerErr.(*requeueRequest); ok {
		r.requeue(ctx, job, rd.delay, jobLogger, "admission control: at capacity")
		return
	}

	delay, retry := Decide(handlerErr, job.Attempt, reg.critical)
	jobLogger.Error().Err(handlerErr).Bool("retry", retry).Dur("delay", delay).Msg("job failed")

	if !retry {
		if saveErr := markFailedAndSave(ctx, r.store, m, handlerErr); saveErr != nil {
			jobLogger.Error().Err(saveErr).Msg("failed to persist failed migration")
		}
		_ = r.store.Delete(ctx, job.ID)
		r.publish(events.EventMigrationFailed, handlerErr.Error(), m, job)
		return
	}

	job.Attempt++
	r.requeue(ctx, job, delay, jobLogger, "retrying after error")
	r.publish(events.EventPhaseRetried, handlerErr.Error(), m, job)
}

func (r *Runtime) requeue(ctx context.Context, job *Job, delay time.Duration, logger zerolog.Logger, reason string) {
	job.NotBefore = time.Now().Add(delay)
	if err := r.store.Enqueue(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to requeue job")
		return
	}
	logger.Info().Dur("delay", delay).Str("reason", reason).Msg("job requeued")
}

// requeueRequest is returned by AdmitBlobPhase-aware handlers to ask the
// runtime to re-enqueue with a fixed delay without counting it as a retry
// attempt or a failure.
type requeueRequest struct {
	delay time.Duration
}

func (r *requeueRequest) Error() string { return "requeue requested" }

// RequeueAfter constructs the sentinel error a handler returns to request a
// delayed re-enqueue (used by the blob-phase admission-control gate).
func RequeueAfter(delay time.Duration) error { return &requeueRequest{delay: delay} }

// AdmitBlobPhase implements the admission-control check of spec.md §4.2: if
// the store reports the cap is already reached, the caller should return
// RequeueAfter(BlobAdmissionRequeueDelay) rather than proceeding. The check
// is explicitly best-effort (a query-and-retry loop, not a mutex); brief
// over-admission during a race is acceptable per spec.
func AdmitBlobPhase(ctx context.Context, store Store, cap int) (bool, error) {
	if cap <= 0 {
		cap = MaxConcurrentBlobMigrations
	}
	count, err := store.CountInStatus(ctx, migration.StatusPendingBlobs)
	if err != nil {
		return false, fmt.Errorf("jobs: admission check: %w", err)
	}
	return count < cap, nil
}

func markFailedAndSave(ctx context.Context, store Store, m *migration.Migration, cause error) error {
	if m.Status.Terminal() {
		return store.SaveMigration(ctx, m)
	}
	if err := statemachine.MarkFailed(m, cause, time.Now()); err != nil {
		return err
	}
	return store.SaveMigration(ctx, m)
}

// ClassifyHTTPStatus is a small helper phase handlers use to turn an HTTP
// status code + body excerpt into the right migerr.Kind, per spec.md §4.3
// ("Rate-limit detection recognizes: HTTP 429, body substrings...").
func ClassifyHTTPStatus(op string, status int, body string) error {
	switch {
	case status == 429:
		return migerr.RateLimit(op, fmt.Errorf("rate limited (http %d)", status))
	case status == 401:
		return migerr.Authentication(op, fmt.Errorf("unauthorized (http %d)", status))
	case status >= 500:
		return migerr.Network(op, fmt.Errorf("server error (http %d)", status))
	case status >= 400:
		return migerr.Protocol(op, fmt.Errorf("request rejected (http %d): %s", status, body))
	default:
		return nil
	}
}
