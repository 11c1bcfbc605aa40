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
	"github.com/atmigrate/migrator/pkg/vault"
)

// RequestPLCToken implements spec.md §4.6's "Request PLC Token" phase:
// ask the source to email the user a one-time directory-operation token,
// record the timestamp, and sit in pending_plc until the user submits it
// through the external form interface (§6).
func (p *Phases) RequestPLCToken(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingPLC) {
		p.Logger.Info().Str("token", m.Token).Msg("request_plc_token: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "request_plc_token started", m)
	if m.ProgressData == nil {
		m.ProgressData = migration.ProgressData{}
	}
	// Re-entry into pending_plc (the user already submitted a token on a
	// prior attempt) must not re-send the email.
	if _, already := m.ProgressData[migration.KeyPLCOpRecommendedAt]; already {
		return nil
	}

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("request_plc_token", err)
	}

	if err := p.loginSource(ctx, a, m); err != nil {
		return err
	}
	if err := a.RequestPLCToken(ctx); err != nil {
		return err
	}
	m.ProgressData[migration.KeyPLCOpRecommendedAt] = time.Now().Format(time.RFC3339)
	return nil
}

// SubmitOneTimeToken is called by the form-handler API (§6.1) when the user
// pastes in the emailed one-time directory token. It seals the token onto
// the migration record and enqueues the critical directory-update job;
// the migration stays in pending_plc until that job runs.
func (p *Phases) SubmitOneTimeToken(ctx context.Context, m *migration.Migration, oneTimeToken string) error {
	if m.Status != migration.StatusPendingPLC {
		return migerr.Validation("submit_one_time_token", fmt.Errorf("migration %s is not awaiting a directory token (status %s)", m.Token, m.Status))
	}

	sealed, err := p.Vault.SealString(oneTimeToken, vault.TTLDirectoryOneTime)
	if err != nil {
		return migerr.FatalUnknown("submit_one_time_token", err)
	}
	m.Credentials.DirectoryOneTime = sealed
	if err := p.Store.SaveMigration(ctx, m); err != nil {
		return migerr.FatalUnknown("submit_one_time_token", err)
	}

	return p.Enqueue(ctx, &jobs.Job{
		ID:          fmt.Sprintf("directory-update-%d", m.ID),
		MigrationID: m.ID,
		Queue:       jobs.QueueCritical,
		Step:        StepDirectoryUpdate,
		MaxAttempts: 3,
	})
}

// DirectoryUpdate implements spec.md §4.6's critical, point-of-no-return
// phase: retrieve the one-time token (must not be expired), get the
// recommended op from the target, sign it with the source, submit it to
// the target, then purge the token. Registered on the critical queue with
// the tighter retry policy (one attempt on generic errors, three on rate
// limits; pkg/jobs.PoliciesForCriticalPhase).
func (p *Phases) DirectoryUpdate(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingPLC) {
		p.Logger.Info().Str("token", m.Token).Msg("directory_update: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "directory_update started", m)
	if m.ProgressData == nil {
		m.ProgressData = migration.ProgressData{}
	}

	token, ok := p.Vault.OpenString(m.Credentials.DirectoryOneTime, time.Now())
	if !ok {
		return migerr.Protocol("directory_update", fmt.Errorf("one-time directory token is absent or expired; user must request a new one"))
	}

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("directory_update", err)
	}

	if err := p.loginSource(ctx, a, m); err != nil {
		return err
	}
	password, _ := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
	if err := p.loginTarget(ctx, a, m, password); err != nil {
		return err
	}

	unsigned, err := a.GetRecommendedDirectoryOp(ctx)
	if err != nil {
		return err
	}
	m.ProgressData[migration.KeyPLCOpRecommendedAt] = time.Now().Format(time.RFC3339)

	signed, err := a.SignDirectoryOp(ctx, unsigned, token)
	if err != nil {
		p.Logger.Error().Str("token", m.Token).Err(err).Msg("directory op signing failed: ALERT operator")
		p.publish(events.EventAdminAlert, "directory op signing failed, operator attention required", m)
		return err
	}
	m.ProgressData[migration.KeyPLCOpSignedAt] = time.Now().Format(time.RFC3339)

	if err := a.SubmitDirectoryOp(ctx, signed); err != nil {
		p.Logger.Error().Str("token", m.Token).Err(err).Msg("directory op submission failed: ALERT operator, point of no return not reached")
		p.publish(events.EventAdminAlert, "directory op submission failed, point of no return not reached", m)
		return err
	}
	p.publish(events.EventDirectoryUpdated, "directory op submitted", m)
	m.ProgressData[migration.KeyPLCOpSubmittedAt] = time.Now().Format(time.RFC3339)

	// The one-time token is single-use; purge it immediately regardless of
	// what happens next.
	m.Credentials.DirectoryOneTime = nil

	return statemachine.Advance(m, migration.StatusPendingActivate, time.Now())
}
