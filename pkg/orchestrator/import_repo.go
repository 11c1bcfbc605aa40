package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/statemachine"
)

// ImportRepo implements spec.md §4.6's "Import Repo" phase: export the
// source's repository archive to local disk, then POST its binary body to
// the target. Registered as a heavy-upload handler (pkg/jobs extends its
// network/timeout retry budget to 7 attempts for this class of job).
func (p *Phases) ImportRepo(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingRepo) {
		p.Logger.Info().Str("token", m.Token).Msg("import_repo: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "import_repo started", m)

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("import_repo", err)
	}

	if err := markPhase(m, migration.KeyRepoExportedAt, migration.KeyRepoImportedAt, func() error {
		if err := p.loginSource(ctx, a, m); err != nil {
			return err
		}
		path, err := a.ExportRepo(ctx, m.DID)
		if err != nil {
			return err
		}

		password, ok := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
		if !ok {
			return migerr.Authentication("import_repo", fmt.Errorf("source password is absent or expired"))
		}
		if err := p.loginTarget(ctx, a, m, password); err != nil {
			return err
		}
		return a.ImportRepo(ctx, path)
	}); err != nil {
		return err
	}

	return statemachine.Advance(m, migration.StatusPendingBlobs, time.Now())
}
