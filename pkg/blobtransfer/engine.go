// Package blobtransfer is the Blob Transfer Engine of spec.md §4.5: moves
// an enumerated set of blobs from the source PDS to the target with
// bounded memory and graceful per-item failure. It runs inside a single
// orchestrator job invocation — its own per-blob retry loop is a finer
// grain than, and independent of, the job runtime's phase-level retry
// policy in pkg/jobs.
package blobtransfer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/pds"
)

// Default tunables from spec.md §4.5.
const (
	DefaultProgressEvery = 10
	DefaultReclaimEvery  = 50
	DefaultPoolSize      = 10
	maxAttempts          = 3
)

var normalBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
var rateLimitBackoff = []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second}

// Downloader and Uploader are the slice of *pds.Adapter this engine needs;
// narrowed to an interface so tests can fake blob I/O without an HTTP
// server.
type Downloader interface {
	DownloadBlob(ctx context.Context, did, id string) (string, error)
}

type Uploader interface {
	UploadBlob(ctx context.Context, path string) ([]byte, error)
}

var (
	_ Downloader = (*pds.Adapter)(nil)
	_ Uploader   = (*pds.Adapter)(nil)
)

// ProgressFunc is invoked with a progress snapshot every ProgressEvery
// completions and once at the end, under the engine's counter mutex —
// implementations must not block.
type ProgressFunc func(Progress)

// Progress is a point-in-time snapshot of transfer counters.
type Progress struct {
	Completed   int
	Failed      []string
	TotalBytes  int64
	TotalBlobs  int
}

// Result is the outcome of a full transfer run.
type Result struct {
	Progress
}

// Engine runs the streamed or two-phase blob transfer described in
// spec.md §4.5.
type Engine struct {
	PoolSize      int
	ProgressEvery int
	ReclaimEvery  int
	OnProgress    ProgressFunc
	OnReclaim     func()

	// Limiter paces outbound blob requests across every worker, keeping a
	// wide pool from tripping the source/target PDS's own rate limiting
	// (spec.md §4.3: "Rate-limit detection recognizes: HTTP 429 ..."). Nil
	// means unpaced, the default for tests and for hosts with no known
	// limit.
	Limiter *rate.Limiter

	logger zerolog.Logger

	mu         sync.Mutex
	completed  int
	failed     []string
	totalBytes int64
}

// NewEngine constructs an Engine with spec.md's default tunables; callers
// override fields directly (Engine is a plain struct, not built via
// options, since every field is cheap to set for tests).
func NewEngine() *Engine {
	return &Engine{
		PoolSize:      DefaultPoolSize,
		ProgressEvery: DefaultProgressEvery,
		ReclaimEvery:  DefaultReclaimEvery,
		logger:        log.WithComponent("blobtransfer"),
	}
}

func (e *Engine) snapshot(total int) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	failedCopy := make([]string, len(e.failed))
	copy(failedCopy, e.failed)
	return Progress{Completed: e.completed, Failed: failedCopy, TotalBytes: e.totalBytes, TotalBlobs: total}
}

func (e *Engine) recordSuccess(total int, bytes int64) {
	e.mu.Lock()
	e.completed++
	e.totalBytes += bytes
	shouldReport := e.completed%e.ProgressEvery == 0
	shouldReclaim := e.ReclaimEvery > 0 && e.completed%e.ReclaimEvery == 0
	e.mu.Unlock()

	if shouldReport && e.OnProgress != nil {
		e.OnProgress(e.snapshot(total))
	}
	if shouldReclaim && e.OnReclaim != nil {
		e.OnReclaim()
	}
}

func (e *Engine) recordFailure(id string) {
	e.mu.Lock()
	e.failed = append(e.failed, id)
	e.mu.Unlock()
}

// RunStreamed implements the no-backup mode: strictly sequential
// download → upload → delete, one blob resident at a time.
func (e *Engine) RunStreamed(ctx context.Context, dl Downloader, ul Uploader, did string, blobIDs []string) (Result, error) {
	total := len(blobIDs)
	for _, id := range blobIDs {
		if err := ctx.Err(); err != nil {
			return Result{Progress: e.snapshot(total)}, err
		}

		path, err := e.downloadWithRetry(ctx, dl, did, id)
		if err != nil {
			if isInfrastructural(err) {
				return Result{Progress: e.snapshot(total)}, err
			}
			e.recordFailure(id)
			continue
		}

		size, uploadErr := e.uploadWithRetry(ctx, ul, path)
		os.Remove(path) // streamed mode never keeps a backup copy
		if uploadErr != nil {
			if isInfrastructural(uploadErr) {
				return Result{Progress: e.snapshot(total)}, uploadErr
			}
			e.recordFailure(id)
			continue
		}
		e.recordSuccess(total, size)
	}

	final := e.snapshot(total)
	if e.OnProgress != nil {
		e.OnProgress(final)
	}
	return Result{Progress: final}, nil
}

// DownloadResult is the outcome of the two-phase download stage.
type DownloadResult struct {
	Progress
	Paths map[string]string // blob id -> local path, successes only
}

// RunDownloadPhase concurrently downloads every blob in blobIDs into the
// adapter's working directory using a fixed-size worker pool, for the
// with-backup (two-phase) mode.
func (e *Engine) RunDownloadPhase(ctx context.Context, dl Downloader, did string, blobIDs []string, workDir string) (DownloadResult, error) {
	total := len(blobIDs)
	work := make(chan string)
	var mu sync.Mutex
	paths := make(map[string]string, total)

	var wg sync.WaitGroup
	aborted := make(chan error, 1)

	poolSize := e.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				path, err := e.downloadWithRetry(ctx, dl, did, id)
				if err != nil {
					if isInfrastructural(err) {
						select {
						case aborted <- err:
						default:
						}
						continue
					}
					e.recordFailure(id)
					continue
				}
				info, _ := os.Stat(path)
				var size int64
				if info != nil {
					size = info.Size()
				}
				mu.Lock()
				paths[id] = path
				mu.Unlock()
				e.recordSuccess(total, size)
			}
		}()
	}

	go func() {
		defer close(work)
		for _, id := range blobIDs {
			select {
			case work <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	final := e.snapshot(total)
	if e.OnProgress != nil {
		e.OnProgress(final)
	}

	select {
	case err := <-aborted:
		return DownloadResult{Progress: final, Paths: paths}, err
	default:
	}

	if len(final.Failed) > 0 {
		if err := writeMissingBlobsManifest(workDir, final.Failed); err != nil {
			e.logger.Error().Err(err).Msg("failed to write missing-blobs manifest")
		}
	}

	return DownloadResult{Progress: final, Paths: paths}, nil
}

// RunUploadPhase concurrently uploads previously downloaded blobs from
// disk using a fixed-size worker pool, the second half of two-phase mode.
func (e *Engine) RunUploadPhase(ctx context.Context, ul Uploader, paths map[string]string) (Result, error) {
	type item struct{ id, path string }
	work := make(chan item)
	var wg sync.WaitGroup
	aborted := make(chan error, 1)
	total := len(paths)

	poolSize := e.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range work {
				size, err := e.uploadWithRetry(ctx, ul, it.path)
				if err != nil {
					if isInfrastructural(err) {
						select {
						case aborted <- err:
						default:
						}
						continue
					}
					e.recordFailure(it.id)
					continue
				}
				os.Remove(it.path)
				e.recordSuccess(total, size)
			}
		}()
	}

	go func() {
		defer close(work)
		for id, path := range paths {
			select {
			case work <- item{id: id, path: path}:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	final := e.snapshot(total)
	if e.OnProgress != nil {
		e.OnProgress(final)
	}

	select {
	case err := <-aborted:
		return Result{Progress: final}, err
	default:
	}
	return Result{Progress: final}, nil
}

func (e *Engine) wait(ctx context.Context) error {
	if e.Limiter == nil {
		return nil
	}
	return e.Limiter.Wait(ctx)
}

func (e *Engine) downloadWithRetry(ctx context.Context, dl Downloader, did, id string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, delayFor(attempt-1, lastErr)); err != nil {
				return "", err
			}
		}
		if err := e.wait(ctx); err != nil {
			return "", err
		}
		path, err := dl.DownloadBlob(ctx, did, id)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (e *Engine) uploadWithRetry(ctx context.Context, ul Uploader, path string) (int64, error) {
	info, statErr := os.Stat(path)
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, delayFor(attempt-1, lastErr)); err != nil {
				return 0, err
			}
		}
		if err := e.wait(ctx); err != nil {
			return 0, err
		}
		_, err := ul.UploadBlob(ctx, path)
		if err == nil {
			return size, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

func delayFor(idx int, err error) time.Duration {
	schedule := normalBackoff
	if migerr.KindOf(err) == migerr.KindRateLimit {
		schedule = rateLimitBackoff
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isInfrastructural reports whether err should abort the whole phase
// (authentication failure against every worker) rather than just mark one
// blob failed, per spec.md §4.5: "the phase fails only if an
// infrastructural error ... aborts all workers."
func isInfrastructural(err error) bool {
	return migerr.KindOf(err) == migerr.KindAuthentication
}

func writeMissingBlobsManifest(dir string, ids []string) error {
	path := dir + "/failed_blobs.manifest"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("blobtransfer: create manifest: %w", err)
	}
	defer f.Close()
	for _, id := range ids {
		if _, err := fmt.Fprintln(f, id); err != nil {
			return err
		}
	}
	return nil
}
