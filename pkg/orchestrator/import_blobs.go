package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmigrate/migrator/pkg/blobtransfer"
	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/pds"
	"github.com/atmigrate/migrator/pkg/statemachine"
)

// blobRequestsPerSecond paces each migration's blob worker pool well under
// the rate limits typical ATProto PDS implementations enforce, so a wide
// DefaultPoolSize doesn't itself trigger the 429s spec.md §4.3 watches for.
const blobRequestsPerSecond = 20

// ImportBlobs implements spec.md §4.6's "Import Blobs" phase: an
// admission-control check (§4.2), then delegation to the Blob Transfer
// Engine in whichever mode create_backup_bundle selects.
func (p *Phases) ImportBlobs(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingBlobs) {
		p.Logger.Info().Str("token", m.Token).Msg("import_blobs: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "import_blobs started", m)

	ok, err := jobs.AdmitBlobPhase(ctx, p.Store, jobs.MaxConcurrentBlobMigrations)
	if err != nil {
		return migerr.FatalUnknown("import_blobs", err)
	}
	if !ok {
		return jobs.RequeueAfter(jobs.BlobAdmissionRequeueDelay)
	}

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("import_blobs", err)
	}

	if err := markPhase(m, migration.KeyBlobsStartedAt, migration.KeyBlobsCompletedAt, func() error {
		if err := p.loginSource(ctx, a, m); err != nil {
			return err
		}
		password, ok := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
		if !ok {
			password = "" // migration_in: target session may already be live via refresh token
		}
		if err := p.loginTarget(ctx, a, m, password); err != nil {
			return err
		}

		ids, err := p.enumerateBlobs(ctx, a, m.DID)
		if err != nil {
			return err
		}
		m.ProgressData[migration.KeyBlobCount] = len(ids)

		engine := blobtransfer.NewEngine()
		engine.Limiter = rate.NewLimiter(rate.Limit(blobRequestsPerSecond), blobRequestsPerSecond)
		engine.OnProgress = func(pr blobtransfer.Progress) {
			m.ProgressData[migration.KeyBlobsCompleted] = pr.Completed
			m.ProgressData[migration.KeyBytesTransferred] = pr.TotalBytes
			m.ProgressData[migration.KeyFailedBlobs] = pr.Failed
			_ = p.Store.SaveMigration(ctx, m)
		}

		workDir, err := p.workDir(m)
		if err != nil {
			return migerr.FatalUnknown("import_blobs", err)
		}

		if m.CreateBackupBundle {
			// DownloadBackup already pulled every blob to workDir/blobs/<id>
			// earlier in this same migration (pds.Adapter always resolves a
			// downloaded blob's path from its own workDir, which is the same
			// DID-keyed directory across every phase). Upload what is
			// already on disk instead of re-fetching it from the source.
			paths, missing := blobPathsOnDisk(workDir, ids)
			up, err := engine.RunUploadPhase(ctx, a, paths)
			if err != nil {
				return err
			}
			failed := append(append([]string{}, missing...), up.Failed...)
			m.ProgressData[migration.KeyFailedBlobs] = failed
			return nil
		}

		result, err := engine.RunStreamed(ctx, a, a, m.DID, ids)
		if err != nil {
			return err
		}
		m.ProgressData[migration.KeyFailedBlobs] = result.Failed
		return nil
	}); err != nil {
		return err
	}

	return statemachine.Advance(m, migration.StatusPendingPrefs, time.Now())
}

// blobPathsOnDisk maps blob ids to their already-downloaded path under
// workDir/blobs, for the two-phase (backup-enabled) upload stage. ids that
// never made it to disk during the download phase are returned separately
// so they surface in the migration's failed-blobs count rather than being
// silently dropped.
func blobPathsOnDisk(workDir string, ids []string) (paths map[string]string, missing []string) {
	paths = make(map[string]string, len(ids))
	for _, id := range ids {
		p := filepath.Join(workDir, "blobs", id)
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, id)
			continue
		}
		paths[id] = p
	}
	return paths, missing
}

// enumerateBlobs drains list_blobs pagination to completion, terminating
// when the returned cursor is empty (spec.md §4.3).
func (p *Phases) enumerateBlobs(ctx context.Context, a *pds.Adapter, did string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		page, err := a.ListBlobs(ctx, did, cursor)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page.IDs...)
		if page.Cursor == "" {
			return ids, nil
		}
		cursor = page.Cursor
	}
}
