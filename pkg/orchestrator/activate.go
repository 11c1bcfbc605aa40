package orchestrator

import (
	"context"
	"time"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/keygen"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/statemachine"
	"github.com/atmigrate/migrator/pkg/vault"
)

// Activate implements spec.md §4.6's final phase: activate on the target,
// best-effort deactivate the source (failure here is logged but never
// fails the migration — the directory update already made the new host
// authoritative), generate and register a rotation key (best-effort), then
// mark the migration complete and purge its credentials.
func (p *Phases) Activate(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingActivate) {
		p.Logger.Info().Str("token", m.Token).Msg("activate: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "activate started", m)
	if m.ProgressData == nil {
		m.ProgressData = migration.ProgressData{}
	}

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("activate", err)
	}

	password, _ := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
	if err := p.loginTarget(ctx, a, m, password); err != nil {
		return err
	}
	if err := a.ActivateAccount(ctx); err != nil {
		return err
	}
	m.ProgressData[migration.KeyAccountActivatedAt] = time.Now().Format(time.RFC3339)

	if err := p.loginSource(ctx, a, m); err != nil {
		p.Logger.Warn().Str("token", m.Token).Err(err).Msg("activate: could not log into source to deactivate, skipping best-effort deactivation")
		m.ProgressData[migration.KeyOldPDSDeactivationError] = err.Error()
	} else if err := a.DeactivateAccount(ctx); err != nil {
		p.Logger.Warn().Str("token", m.Token).Err(err).Msg("activate: best-effort source deactivation failed")
		m.ProgressData[migration.KeyOldPDSDeactivationError] = err.Error()
	} else {
		m.ProgressData[migration.KeyAccountDeactivatedAt] = time.Now().Format(time.RFC3339)
	}

	p.registerRotationKey(ctx, a, m)

	if err := statemachine.MarkComplete(m, time.Now()); err != nil {
		return err
	}
	p.publish(events.EventMigrationCompleted, "migration completed", m)
	return nil
}

// registerRotationKey generates a fresh P-256 did:key rotation keypair and
// registers its public half on the target, per spec.md §4.4/§4.6. Both
// generation and registration are best-effort: failure is recorded in
// progress_data, never fails the migration, and the private key — the one
// secret the user still needs delivered after credential purge — is kept
// sealed with no expiry until the status page has shown it.
func (p *Phases) registerRotationKey(ctx context.Context, a interface {
	AddRotationKey(ctx context.Context, publicKeyDidKey string) error
}, m *migration.Migration) {
	kp, err := keygen.Generate()
	if err != nil {
		p.Logger.Warn().Str("token", m.Token).Err(err).Msg("activate: rotation key generation failed")
		m.ProgressData[migration.KeyRotationKeyError] = err.Error()
		return
	}

	if err := a.AddRotationKey(ctx, kp.PublicMultibase); err != nil {
		p.Logger.Warn().Str("token", m.Token).Err(err).Msg("activate: rotation key registration failed")
		m.ProgressData[migration.KeyRotationKeyError] = err.Error()
		return
	}

	sealed, err := p.Vault.SealString(kp.PrivateMultibase, vault.TTLRotationPrivateKey)
	if err != nil {
		p.Logger.Warn().Str("token", m.Token).Err(err).Msg("activate: failed to seal rotation private key")
		m.ProgressData[migration.KeyRotationKeyError] = err.Error()
		return
	}
	m.Credentials.RotationPrivateKey = sealed
	m.ProgressData[migration.KeyRotationKeyPublic] = kp.PublicMultibase
	m.ProgressData[migration.KeyRotationKeyGeneratedAt] = time.Now().Format(time.RFC3339)
}
