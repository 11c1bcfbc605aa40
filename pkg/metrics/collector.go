package metrics

import (
	"context"
	"time"

	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/store"
)

// Collector periodically polls the store for a migration-status census and
// updates the gauges that the API can't update itself (status counts need a
// full-bucket scan, not a per-request computation).
type Collector struct {
	store  *store.BoltStore
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(s *store.BoltStore) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

var allStatuses = []migration.Status{
	migration.StatusPendingDownload,
	migration.StatusPendingBackup,
	migration.StatusBackupReady,
	migration.StatusPendingAccount,
	migration.StatusPendingRepo,
	migration.StatusPendingBlobs,
	migration.StatusPendingPrefs,
	migration.StatusPendingPLC,
	migration.StatusPendingActivate,
	migration.StatusCompleted,
	migration.StatusFailed,
	migration.StatusCancelled,
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, status := range allStatuses {
		count, err := c.store.CountInStatus(ctx, status)
		if err != nil {
			continue
		}
		MigrationsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
