// Package statemachine implements the migration status-machine of
// spec.md §4.1: the declared edge set, idempotent phase entry gating, and
// the three terminal transitions (advance, mark_failed, mark_complete).
//
// The state machine is persisted-first: the status field on the migration
// record is the single source of truth (spec.md §4.1 "Key design
// decision"). This package never talks to a store directly — callers pass
// in the migration, get back the decision, and persist it atomically with
// whatever job enqueue the decision implies.
package statemachine

import (
	"fmt"
	"time"

	"github.com/atmigrate/migrator/pkg/migration"
)

// Edge is one declared (from, to) transition in spec.md §4.1's table.
type Edge struct {
	From migration.Status
	To   migration.Status
}

// edges is the full declared edge set. "any non-terminal -> failed" is
// handled separately by MarkFailed rather than enumerated here.
var edges = map[migration.Status]map[migration.Status]bool{
	"": { // "(new)" in the spec's table
		migration.StatusPendingDownload: true,
		migration.StatusPendingAccount:  true,
	},
	migration.StatusPendingDownload: {migration.StatusPendingBackup: true},
	migration.StatusPendingBackup:   {migration.StatusBackupReady: true},
	migration.StatusBackupReady:     {migration.StatusPendingAccount: true},
	migration.StatusPendingAccount:  {migration.StatusPendingRepo: true},
	migration.StatusPendingRepo:     {migration.StatusPendingBlobs: true},
	migration.StatusPendingBlobs:    {migration.StatusPendingPrefs: true},
	migration.StatusPendingPrefs:    {migration.StatusPendingPLC: true},
	migration.StatusPendingPLC:      {migration.StatusPendingActivate: true},
	migration.StatusPendingActivate: {migration.StatusCompleted: true},
}

// IsDeclaredEdge reports whether (from, to) is in the table above. Terminal
// transitions to failed are always allowed from a non-terminal status and
// are checked separately (see MarkFailed).
func IsDeclaredEdge(from, to migration.Status) bool {
	targets, ok := edges[from]
	if !ok {
		return false
	}
	return targets[to]
}

// NextStatus returns the entry point for a freshly email-verified
// migration: pending_download if a backup bundle was requested, else
// pending_account directly (spec.md §4.1 edge table, the "(new)" row).
func NextStatus(createBackupBundle bool) migration.Status {
	if createBackupBundle {
		return migration.StatusPendingDownload
	}
	return migration.StatusPendingAccount
}

// Advance transitions m from its current status to target, returning an
// error if (current, target) is not a declared edge. The caller is
// responsible for persisting the new status and enqueuing the
// corresponding job in the same atomic step (spec.md §4.1).
func Advance(m *migration.Migration, target migration.Status, now time.Time) error {
	if !IsDeclaredEdge(m.Status, target) {
		return fmt.Errorf("statemachine: no declared edge %s -> %s", m.Status, target)
	}
	m.Status = target
	m.UpdatedAt = now
	return nil
}

// MarkFailed sets the migration to its failed terminal state, per spec.md
// §4.1 ("any non-terminal -> failed"). It is a no-op error if the migration
// is already terminal — callers should check CanTransitionToFailed first if
// they need to distinguish that case.
func MarkFailed(m *migration.Migration, cause error, now time.Time) error {
	if m.Status.Terminal() {
		return fmt.Errorf("statemachine: migration %s is already terminal (%s)", m.Token, m.Status)
	}
	m.Status = migration.StatusFailed
	m.RetryCount++
	if cause != nil {
		m.LastError = cause.Error()
	}
	m.UpdatedAt = now
	return nil
}

// MarkCancelled transitions a cancellable migration to the cancelled
// terminal state (spec.md §3.4: "cancellation before pending_plc
// transitions to a cancelled terminal").
func MarkCancelled(m *migration.Migration, now time.Time) error {
	if !CanCancel(m) {
		return fmt.Errorf("statemachine: migration %s cannot be cancelled from status %s", m.Token, m.Status)
	}
	m.Status = migration.StatusCancelled
	m.LastError = "cancelled by user request"
	m.UpdatedAt = now
	return nil
}

// MarkComplete sets the migration to completed and purges every credential
// field, per the invariant in spec.md §3.1.
func MarkComplete(m *migration.Migration, now time.Time) error {
	if !IsDeclaredEdge(migration.StatusPendingActivate, migration.StatusCompleted) {
		return fmt.Errorf("statemachine: completed is not reachable from pending_activation")
	}
	if m.Status != migration.StatusPendingActivate {
		return fmt.Errorf("statemachine: mark_complete called from unexpected status %s", m.Status)
	}
	m.Status = migration.StatusCompleted
	// Every credential field is nulled on completion (spec.md §3.1) except
	// the rotation private key, whose lifetime is "retained, not
	// auto-cleared" (spec.md §3.2) — it is delivered to the user once and
	// has nowhere else to live until they've seen it.
	m.Credentials.ClearExceptRotationKey()
	m.ProgressData[migration.KeyCompletedAt] = now.Format(timeLayout)
	m.UpdatedAt = now
	return nil
}

// CanCancel reports whether m can still be cancelled: strictly before
// pending_plc and not already terminal (spec.md §3.4, §4.2).
func CanCancel(m *migration.Migration) bool {
	if m.Status.Terminal() {
		return false
	}
	switch m.Status {
	case migration.StatusPendingPLC, migration.StatusPendingActivate, migration.StatusCompleted:
		return false
	default:
		return true
	}
}

// EntryCheck implements the idempotency gate every phase job must apply
// first (spec.md §4.1): if the migration's status does not match the
// phase's expected entry status, the caller must log and return success
// without side effects.
func EntryCheck(m *migration.Migration, expected migration.Status) bool {
	return m.Status == expected
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
