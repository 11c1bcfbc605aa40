// Package orchestrator implements the phase jobs of spec.md §4.6: the
// actual work each status transition performs. Every phase follows the
// same skeleton — idempotency gate, phase-start timestamp, protocol-adapter
// work, phase-end timestamp, state-machine advance — composing pkg/pds,
// pkg/blobtransfer, pkg/statemachine, pkg/vault, and pkg/identity. Phases
// are registered as pkg/jobs.Handler values; the job runtime owns
// scheduling and retry, this package owns what a phase actually does.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/identity"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/pds"
	"github.com/atmigrate/migrator/pkg/statemachine"
	"github.com/atmigrate/migrator/pkg/vault"
)

// Job steps, the vocabulary phases register under in the job runtime.
const (
	StepDownloadBackup   jobs.Step = "download_backup"
	StepBuildBackup      jobs.Step = "build_backup_bundle"
	StepCreateAccount    jobs.Step = "create_account"
	StepImportRepo       jobs.Step = "import_repo"
	StepImportBlobs      jobs.Step = "import_blobs"
	StepImportPrefs      jobs.Step = "import_preferences"
	StepRequestPLCToken  jobs.Step = "request_plc_token"
	StepDirectoryUpdate  jobs.Step = "directory_update"
	StepActivate         jobs.Step = "activate"
)

// Phases bundles every registered handler plus the collaborators they
// close over. Construct one per process and call RegisterAll against a
// *jobs.Runtime.
type Phases struct {
	Store      jobs.Store
	Vault      *vault.Vault
	Resolver   *identity.Resolver
	WorkRoot   string // parent directory for per-migration working directories
	Enqueue    func(ctx context.Context, job *jobs.Job) error
	Logger     zerolog.Logger

	// Broker publishes migration-lifecycle events (spec.md §2 component 7:
	// "emit progress and error events"). Nil is valid — publish becomes a
	// no-op — so phases stay testable without standing up a broker.
	Broker *events.Broker
}

// NewPhases constructs a Phases bundle. enqueue is typically
// runtime.Enqueue, threaded in rather than depending on *jobs.Runtime
// directly so phase code and the runtime can be tested independently.
func NewPhases(store jobs.Store, vlt *vault.Vault, resolver *identity.Resolver, workRoot string, enqueue func(context.Context, *jobs.Job) error) *Phases {
	return &Phases{
		Store:    store,
		Vault:    vlt,
		Resolver: resolver,
		WorkRoot: workRoot,
		Enqueue:  enqueue,
		Logger:   log.WithComponent("orchestrator"),
	}
}

// RegisterAll binds every phase handler onto rt.
func (p *Phases) RegisterAll(rt *jobs.Runtime) {
	rt.RegisterHandler(StepDownloadBackup, p.DownloadBackup, false, true)
	rt.RegisterHandler(StepBuildBackup, p.BuildBackupBundle, false, false)
	rt.RegisterHandler(StepCreateAccount, p.CreateAccount, false, false)
	rt.RegisterHandler(StepImportRepo, p.ImportRepo, false, true)
	rt.RegisterHandler(StepImportBlobs, p.ImportBlobs, false, true)
	rt.RegisterHandler(StepImportPrefs, p.ImportPreferences, false, false)
	rt.RegisterHandler(StepRequestPLCToken, p.RequestPLCToken, false, false)
	rt.RegisterHandler(StepDirectoryUpdate, p.DirectoryUpdate, true, false)
	rt.RegisterHandler(StepActivate, p.Activate, false, false)
}

// workDir returns (creating if needed) this migration's exclusively-owned
// working directory, keyed by DID per spec.md §5's session-isolation
// requirement.
func (p *Phases) workDir(m *migration.Migration) (string, error) {
	dir := filepath.Join(p.WorkRoot, sanitizeDID(m.DID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("orchestrator: create working directory: %w", err)
	}
	return dir, nil
}

func sanitizeDID(did string) string {
	out := make([]byte, 0, len(did))
	for i := 0; i < len(did); i++ {
		c := did[i]
		if c == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// newAdapter builds a pds.Adapter for m, wiring its refresh callback to
// persist rotated tokens straight back onto the migration record's vault
// fields, per spec.md §4.3 ("call the persisted-refresh callback on
// rotation to keep the store current").
func (p *Phases) newAdapter(ctx context.Context, m *migration.Migration) (*pds.Adapter, error) {
	dir, err := p.workDir(m)
	if err != nil {
		return nil, err
	}

	onRefresh := func(ctx context.Context, side pds.Side, access, refresh string) error {
		sealedAccess, err := p.Vault.SealString(access, refreshTTL(side))
		if err != nil {
			return err
		}
		sealedRefresh, err := p.Vault.SealString(refresh, refreshTTL(side))
		if err != nil {
			return err
		}
		switch side {
		case pds.SideSource:
			m.Credentials.SourceAccessToken = sealedAccess
			m.Credentials.SourceRefreshToken = sealedRefresh
		case pds.SideTarget:
			m.Credentials.TargetAccessToken = sealedAccess
			m.Credentials.TargetRefreshToken = sealedRefresh
		}
		return p.Store.SaveMigration(ctx, m)
	}

	return pds.NewAdapter(dir, onRefresh)
}

func refreshTTL(side pds.Side) time.Duration {
	switch side {
	case pds.SideSource:
		return vault.TTLSourceSessionTokens
	default:
		return vault.TTLTargetSessionTokens
	}
}

// loginBoth authenticates the adapter to both sides needed by most phases,
// using whichever token material the migration record currently holds:
// a cached refresh token if present, otherwise the sealed password.
func (p *Phases) loginSource(ctx context.Context, a *pds.Adapter, m *migration.Migration) error {
	now := time.Now()
	if refresh, ok := p.Vault.OpenString(m.Credentials.SourceRefreshToken, now); ok {
		_, err := a.LoginWithRefreshToken(ctx, pds.SideSource, m.OldPDSHost, m.DID, refresh)
		return err
	}
	password, ok := p.Vault.OpenString(m.Credentials.SourcePassword, now)
	if !ok {
		return migerr.Authentication("login_source", fmt.Errorf("source password is absent or expired"))
	}
	_, err := a.LoginSource(ctx, m.OldPDSHost, m.OldHandle, password)
	return err
}

func (p *Phases) loginTarget(ctx context.Context, a *pds.Adapter, m *migration.Migration, password string) error {
	now := time.Now()
	if refresh, ok := p.Vault.OpenString(m.Credentials.TargetRefreshToken, now); ok {
		_, err := a.LoginWithRefreshToken(ctx, pds.SideTarget, m.NewPDSHost, m.DID, refresh)
		return err
	}
	_, err := a.LoginTarget(ctx, m.NewPDSHost, m.DID, password)
	return err
}

// publish emits a migration-lifecycle event if a broker is wired up.
func (p *Phases) publish(eventType events.EventType, message string, m *migration.Migration) {
	if p.Broker == nil {
		return
	}
	p.Broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"token": m.Token, "did": m.DID},
	})
}

// markPhase records a start/end timestamp pair in progress_data, per the
// common phase skeleton of spec.md §4.6 step 2 and 5.
func markPhase(m *migration.Migration, startKey string, endKey string, fn func() error) error {
	if m.ProgressData == nil {
		m.ProgressData = migration.ProgressData{}
	}
	m.ProgressData[startKey] = time.Now().Format(time.RFC3339)
	err := fn()
	if err == nil {
		m.ProgressData[endKey] = time.Now().Format(time.RFC3339)
	}
	return err
}
