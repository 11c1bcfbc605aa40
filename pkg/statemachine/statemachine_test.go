package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMigration(status migration.Status) *migration.Migration {
	return &migration.Migration{
		Token:        "mig_aaaaaaaaaaaaaaaa",
		Status:       status,
		ProgressData: migration.ProgressData{},
	}
}

func TestAdvanceFollowsDeclaredEdges(t *testing.T) {
	m := newMigration(migration.StatusPendingRepo)
	require.NoError(t, Advance(m, migration.StatusPendingBlobs, time.Now()))
	assert.Equal(t, migration.StatusPendingBlobs, m.Status)
}

func TestAdvanceRejectsUndeclaredEdge(t *testing.T) {
	m := newMigration(migration.StatusPendingRepo)
	err := Advance(m, migration.StatusCompleted, time.Now())
	assert.Error(t, err, "skipping phases must be rejected")
}

func TestNextStatusRespectsBackupFlag(t *testing.T) {
	assert.Equal(t, migration.StatusPendingDownload, NextStatus(true))
	assert.Equal(t, migration.StatusPendingAccount, NextStatus(false))
}

func TestMarkCompletePurgesCredentials(t *testing.T) {
	m := newMigration(migration.StatusPendingActivate)
	vlt := vault.NewDevelopment()
	sealed, err := vlt.SealString("secret", 0)
	require.NoError(t, err)
	m.Credentials.SourcePassword = sealed
	m.Credentials.RotationPrivateKey = sealed

	require.NoError(t, MarkComplete(m, time.Now()))
	assert.Equal(t, migration.StatusCompleted, m.Status)
	assert.Nil(t, m.Credentials.SourcePassword)
	assert.Nil(t, m.Credentials.RotationPrivateKey, "completed migrations null every credential field, including the rotation key")
}

func TestMarkFailedOnTerminalIsRejected(t *testing.T) {
	m := newMigration(migration.StatusCompleted)
	err := MarkFailed(m, errors.New("boom"), time.Now())
	assert.Error(t, err)
}

func TestMarkFailedSetsLastError(t *testing.T) {
	m := newMigration(migration.StatusPendingBlobs)
	require.NoError(t, MarkFailed(m, errors.New("network unreachable"), time.Now()))
	assert.Equal(t, migration.StatusFailed, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	assert.Contains(t, m.LastError, "network unreachable")
}

func TestCanCancelBeforePLC(t *testing.T) {
	m := newMigration(migration.StatusPendingBlobs)
	assert.True(t, CanCancel(m))
}

func TestCanCancelRejectedAtOrAfterPLC(t *testing.T) {
	for _, s := range []migration.Status{migration.StatusPendingPLC, migration.StatusPendingActivate, migration.StatusCompleted} {
		m := newMigration(s)
		assert.False(t, CanCancel(m), "status %s must reject cancellation", s)
	}
}

func TestEntryCheckIdempotencyGate(t *testing.T) {
	m := newMigration(migration.StatusPendingBlobs)
	assert.True(t, EntryCheck(m, migration.StatusPendingBlobs))
	assert.False(t, EntryCheck(m, migration.StatusPendingRepo), "a redelivered job with a stale expected status must no-op")
}
