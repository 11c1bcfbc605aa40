package housekeeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSweepRemovesExpiredBundleAndClearsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workDir := t.TempDir()
	bundlePath := filepath.Join(workDir, "backup.zip")
	require.NoError(t, os.WriteFile(bundlePath, []byte("zip-bytes"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "repo.car"), []byte("car-bytes"), 0600))

	past := time.Now().Add(-time.Hour)
	created := past.Add(-24 * time.Hour)
	m := &migration.Migration{
		Token:            "mig_eeeeeeeeeeeeeeee",
		DID:              "did:plc:expired",
		Status:           migration.StatusCompleted,
		BackupBundlePath: bundlePath,
		BackupCreatedAt:  &created,
		BackupExpiresAt:  &past,
	}
	require.NoError(t, s.CreateMigration(ctx, m))

	hk := New(s, nil, workDir)
	require.NoError(t, hk.sweep(ctx))

	_, err := os.Stat(bundlePath)
	assert.True(t, os.IsNotExist(err), "expired bundle file should be removed")
	_, err = os.Stat(filepath.Join(workDir, "repo.car"))
	assert.True(t, os.IsNotExist(err), "staged repo.car should be removed alongside the bundle")

	reloaded, err := s.LoadMigration(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.BackupBundlePath)
	assert.Nil(t, reloaded.BackupCreatedAt)
	assert.Nil(t, reloaded.BackupExpiresAt)
}

func TestSweepLeavesUnexpiredBundleAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workDir := t.TempDir()
	bundlePath := filepath.Join(workDir, "backup.zip")
	require.NoError(t, os.WriteFile(bundlePath, []byte("zip-bytes"), 0600))

	future := time.Now().Add(time.Hour)
	created := time.Now()
	m := &migration.Migration{
		Token:            "mig_ffffffffffffffff",
		DID:              "did:plc:fresh",
		Status:           migration.StatusCompleted,
		BackupBundlePath: bundlePath,
		BackupCreatedAt:  &created,
		BackupExpiresAt:  &future,
	}
	require.NoError(t, s.CreateMigration(ctx, m))

	hk := New(s, nil, workDir)
	require.NoError(t, hk.sweep(ctx))

	_, err := os.Stat(bundlePath)
	assert.NoError(t, err, "unexpired bundle must survive a sweep")

	reloaded, err := s.LoadMigration(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, bundlePath, reloaded.BackupBundlePath)
}

func TestStartStopDoesNotPanic(t *testing.T) {
	s := newTestStore(t)
	hk := New(s, nil, t.TempDir()).WithInterval(time.Millisecond)
	hk.Start()
	time.Sleep(5 * time.Millisecond)
	hk.Stop()
}
