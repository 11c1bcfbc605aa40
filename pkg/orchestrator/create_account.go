package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/pds"
	"github.com/atmigrate/migrator/pkg/statemachine"
)

// CreateAccount implements spec.md §4.6's "Create Account" phase: for
// migration_out, login source, mint service-auth, create the account on
// the target; for migration_in, login both sides to verify access with no
// create call. AccountExists is distinguished into orphaned-deactivated
// (needs operator cleanup) vs. active (migration impossible) before it is
// surfaced.
func (p *Phases) CreateAccount(ctx context.Context, m *migration.Migration, job *jobs.Job) error {
	if !statemachine.EntryCheck(m, migration.StatusPendingAccount) {
		p.Logger.Info().Str("token", m.Token).Str("status", string(m.Status)).Msg("create_account: stale entry, skipping")
		return nil
	}
	p.publish(events.EventPhaseStarted, "create_account started", m)

	a, err := p.newAdapter(ctx, m)
	if err != nil {
		return migerr.FatalUnknown("create_account", err)
	}

	if err := markPhase(m, migration.KeyAccountCreationStartedAt, migration.KeyAccountCreatedAt, func() error {
		return p.createAccountWork(ctx, a, m)
	}); err != nil {
		return err
	}

	return statemachine.Advance(m, migration.StatusPendingRepo, time.Now())
}

func (p *Phases) createAccountWork(ctx context.Context, a *pds.Adapter, m *migration.Migration) error {
	if err := p.loginSource(ctx, a, m); err != nil {
		return err
	}

	if m.MigrationType == migration.TypeMigrationIn {
		password, ok := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
		if !ok {
			return migerr.Authentication("create_account", fmt.Errorf("no usable target password for migration_in verification login"))
		}
		return p.loginTarget(ctx, a, m, password)
	}

	targetServiceDID, resolveErr := p.Resolver.ResolveHandleToDID(ctx, m.NewPDSHost)
	if resolveErr != nil {
		// The target service DID is conventionally resolvable from its own
		// host; fall back to the host itself as the aud rather than
		// hard-failing the phase on a resolver hiccup.
		targetServiceDID = m.NewPDSHost
	}

	serviceAuthToken, err := a.GetServiceAuth(ctx, targetServiceDID)
	if err != nil {
		return err
	}

	password, ok := p.Vault.OpenString(m.Credentials.SourcePassword, time.Now())
	if !ok {
		return migerr.Authentication("create_account", fmt.Errorf("no usable new-account password"))
	}
	inviteCode, _ := p.Vault.OpenString(m.Credentials.InviteCode, time.Now())

	if err := a.CreateAccountOnTarget(ctx, m.NewPDSHost, serviceAuthToken, m.DID, m.NewHandle, m.Email, password, inviteCode); err != nil {
		if sub, ok := accountExistsSubKind(err); ok {
			m.LastError = accountExistsOperatorInstructions(sub)
		}
		return err
	}
	return nil
}

func accountExistsSubKind(err error) (migerr.AccountExistsSubKind, bool) {
	if migerr.KindOf(err) != migerr.KindAccountExists {
		return "", false
	}
	type subKinder interface {
		AccountExistsSubKind() migerr.AccountExistsSubKind
	}
	sk, ok := err.(subKinder)
	if !ok {
		return "", false
	}
	return sk.AccountExistsSubKind(), true
}

func accountExistsOperatorInstructions(sub migerr.AccountExistsSubKind) string {
	switch sub {
	case migerr.SubKindOrphanedDeactivated:
		return "target already has a deactivated account for this DID; an operator must remove it before retrying"
	default:
		return "target already has an active account for this DID; migration is not possible"
	}
}
