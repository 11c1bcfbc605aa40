// Package housekeeper runs the periodic cleanup cycle of spec.md §6.3: once
// a backup bundle's 24h retention window has passed, its ZIP file and the
// migration record's working directory are removed from disk. Modeled on
// the teacher's reconciler ticker loop (pkg/reconciler in the teacher
// repo), with the cluster-state reconciliation replaced by a storage sweep.
package housekeeper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/metrics"
	"github.com/atmigrate/migrator/pkg/store"
)

// Housekeeper periodically deletes expired backup bundles.
type Housekeeper struct {
	store    *store.BoltStore
	broker   *events.Broker
	workRoot string
	interval time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Housekeeper. workRoot is the parent of every migration's
// working directory (pkg/orchestrator.Phases.WorkRoot), used to additionally
// remove the staged repo/blobs once the bundle they were zipped from expires.
func New(s *store.BoltStore, broker *events.Broker, workRoot string) *Housekeeper {
	return &Housekeeper{
		store:    s,
		broker:   broker,
		workRoot: workRoot,
		interval: 15 * time.Minute,
		logger:   log.WithComponent("housekeeper"),
		stopCh:   make(chan struct{}),
	}
}

// WithInterval overrides the default 15-minute sweep cadence, primarily for
// tests.
func (h *Housekeeper) WithInterval(d time.Duration) *Housekeeper {
	h.interval = d
	return h
}

// Start begins the sweep loop on its own goroutine.
func (h *Housekeeper) Start() {
	go h.run()
}

// Stop halts the sweep loop.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
}

func (h *Housekeeper) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("housekeeper started")

	for {
		select {
		case <-ticker.C:
			if err := h.sweep(context.Background()); err != nil {
				h.logger.Error().Err(err).Msg("housekeeper: sweep cycle failed")
			}
		case <-h.stopCh:
			h.logger.Info().Msg("housekeeper stopped")
			return
		}
	}
}

// sweep runs one cleanup cycle: find every migration whose backup bundle
// has passed its retention deadline, delete the bundle (and its staged
// working directory) from disk, and clear the record's backup fields.
func (h *Housekeeper) sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HousekeeperCycleDuration)

	h.mu.Lock()
	defer h.mu.Unlock()

	expired, err := h.store.ListWithExpiredBackups(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, m := range expired {
		if err := os.Remove(m.BackupBundlePath); err != nil && !os.IsNotExist(err) {
			h.logger.Error().Str("token", m.Token).Err(err).Msg("housekeeper: failed to remove expired backup bundle")
			continue
		}

		stagingDir := filepath.Dir(m.BackupBundlePath)
		if stagingDir != "" && stagingDir != h.workRoot {
			_ = os.RemoveAll(filepath.Join(stagingDir, "blobs"))
			_ = os.Remove(filepath.Join(stagingDir, "repo.car"))
			_ = os.Remove(filepath.Join(stagingDir, "preferences.json"))
		}

		m.BackupBundlePath = ""
		m.BackupCreatedAt = nil
		m.BackupExpiresAt = nil
		if err := h.store.SaveMigration(ctx, m); err != nil {
			h.logger.Error().Str("token", m.Token).Err(err).Msg("housekeeper: failed to persist backup expiry")
			continue
		}

		metrics.BackupsExpiredTotal.Inc()
		if h.broker != nil {
			h.broker.Publish(&events.Event{
				Type:     events.EventBackupExpired,
				Message:  "backup bundle expired and was removed",
				Metadata: map[string]string{"token": m.Token},
			})
		}
		h.logger.Info().Str("token", m.Token).Msg("housekeeper: expired backup bundle removed")
	}

	return nil
}
