package orchestrator

import (
	"context"
	"time"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/statemachine"
)

// ImportPreferences implements spec.md §4.6's "Import Preferences" phase:
// a small JSON round-trip from source to target.
func (p *Phases) ImportPreferences(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingPrefs) {
		p.Logger.Info().Str("token", m.Token).Msg("import_preferences: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "import_preferences started", m)

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("import_preferences", err)
	}

	if err := markPhase(m, migration.KeyPreferencesExportedAt, migration.KeyPreferencesImportedAt, func() error {
		if err := p.loginSource(ctx, a, m); err != nil {
			return err
		}
		prefs, err := a.ExportPreferences(ctx)
		if err != nil {
			return err
		}

		password, _ := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
		if err := p.loginTarget(ctx, a, m, password); err != nil {
			return err
		}
		return a.ImportPreferences(ctx, prefs)
	}); err != nil {
		return err
	}

	return statemachine.Advance(m, migration.StatusPendingPLC, time.Now())
}
