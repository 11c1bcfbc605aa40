package orchestrator

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmigrate/migrator/pkg/blobtransfer"
	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/statemachine"
)

// backupRetention is how long a built bundle survives before the
// Housekeeper deletes it (spec.md §6.3: "24 h from creation").
const backupRetention = 24 * time.Hour

// DownloadBackup implements spec.md §4.6's "Download" phase, entered only
// when create_backup_bundle was requested: it pulls the repo archive, every
// blob, and preferences down to the migration's working directory, ahead of
// any account-creation work on the target.
func (p *Phases) DownloadBackup(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingDownload) {
		p.Logger.Info().Str("token", m.Token).Msg("download_backup: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "download_backup started", m)

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("download_backup", err)
	}
	workDir, err := p.workDir(m)
	if err != nil {
		return migerr.FatalUnknown("download_backup", err)
	}

	if err := p.loginSource(ctx, a, m); err != nil {
		return err
	}

	repoPath, err := a.ExportRepo(ctx, m.DID)
	if err != nil {
		return err
	}
	if err := os.Rename(repoPath, filepath.Join(workDir, "repo.car")); err != nil {
		return migerr.FatalUnknown("download_backup", fmt.Errorf("stage repo.car: %w", err))
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
		m.ProgressData[migration.KeyFailedDownloads] = pr.Failed
		_ = p.Store.SaveMigration(ctx, m)
	}
	dl, err := engine.RunDownloadPhase(ctx, a, m.DID, ids, filepath.Join(workDir, "blobs"))
	if err != nil {
		return err
	}
	m.ProgressData[migration.KeyFailedDownloads] = dl.Failed

	prefs, err := a.ExportPreferences(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workDir, "preferences.json"), prefs, 0600); err != nil {
		return migerr.FatalUnknown("download_backup", fmt.Errorf("write preferences: %w", err))
	}

	return statemachine.Advance(m, migration.StatusPendingBackup, time.Now())
}

// bundleMetadata is the shape of metadata.json inside the bundle (spec.md
// §6.3).
type bundleMetadata struct {
	Token      string    `json:"migration_token"`
	DID        string    `json:"did"`
	OldHandle  string    `json:"old_handle"`
	NewHandle  string    `json:"new_handle,omitempty"`
	OldPDSHost string    `json:"old_pds_host"`
	NewPDSHost string    `json:"new_pds_host,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	BlobCount  int       `json:"blob_count"`
	Instructions string  `json:"instructions"`
}

// BuildBackupBundle implements spec.md §4.6's "Build Bundle" phase: zips
// the downloaded repo archive, blobs, and preferences into a single
// retrievable archive and records its retention deadline.
func (p *Phases) BuildBackupBundle(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingBackup) {
		p.Logger.Info().Str("token", m.Token).Msg("build_backup_bundle: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "build_backup_bundle started", m)

	workDir, err := p.workDir(m)
	if err != nil {
		return migerr.FatalUnknown("build_backup_bundle", err)
	}

	bundlePath := filepath.Join(workDir, "backup.zip")
	if err := writeBundle(bundlePath, workDir, m); err != nil {
		return migerr.FatalUnknown("build_backup_bundle", err)
	}

	now := time.Now()
	expires := now.Add(backupRetention)
	m.BackupBundlePath = bundlePath
	m.BackupCreatedAt = &now
	m.BackupExpiresAt = &expires

	if err := statemachine.Advance(m, migration.StatusBackupReady, now); err != nil {
		return err
	}

	// backup_ready -> pending_account is automatic (spec.md §4.1 edge
	// table); there is no user action to wait for, so advance and enqueue
	// the next phase in the same step rather than leaving the migration to
	// sit in a status nothing ever re-triggers it out of.
	if err := statemachine.Advance(m, migration.StatusPendingAccount, time.Now()); err != nil {
		return err
	}
	return p.Enqueue(ctx, &jobs.Job{
		ID:          fmt.Sprintf("create-account-%d", m.ID),
		MigrationID: m.ID,
		Queue:       jobs.QueueMigrations,
		Step:        StepCreateAccount,
		MaxAttempts: 5,
	})
}

func writeBundle(bundlePath, workDir string, m *migration.Migration) error {
	out, err := os.Create(bundlePath)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	meta := bundleMetadata{
		Token:      m.Token,
		DID:        m.DID,
		OldHandle:  m.OldHandle,
		NewHandle:  m.NewHandle,
		OldPDSHost: m.OldPDSHost,
		NewPDSHost: m.NewPDSHost,
		CreatedAt:  time.Now(),
		BlobCount:  m.ProgressData.Int(migration.KeyBlobCount),
		Instructions: "This archive contains a full copy of your repository, media blobs, and preferences " +
			"at the time your migration began. Retain it somewhere safe; it is deleted from our servers 24 hours after creation.",
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := addZipEntry(zw, "metadata.json", metaBytes); err != nil {
		return err
	}

	if err := addZipFile(zw, "repo.car", filepath.Join(workDir, "repo.car")); err != nil {
		return err
	}

	blobsDir := filepath.Join(workDir, "blobs")
	entries, err := os.ReadDir(blobsDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := addZipFile(zw, filepath.Join("blobs", e.Name()), filepath.Join(blobsDir, e.Name())); err != nil {
				return err
			}
		}
	}

	if failed := m.ProgressData.StringSlice(migration.KeyFailedDownloads); len(failed) > 0 {
		var buf []byte
		for _, id := range failed {
			buf = append(buf, []byte(id+"\n")...)
		}
		if err := addZipEntry(zw, "MISSING_BLOBS.txt", buf); err != nil {
			return err
		}
	}

	prefsPath := filepath.Join(workDir, "preferences.json")
	if _, err := os.Stat(prefsPath); err == nil {
		if err := addZipFile(zw, "preferences.json", prefsPath); err != nil {
			return err
		}
	}

	return zw.Close()
}

func addZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

func addZipFile(zw *zip.Writer, name, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	_, err = io.Copy(w, f)
	return err
}
