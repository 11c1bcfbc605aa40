package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migration"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateMigrationAssignsIDAndEnforcesDIDUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := &migration.Migration{Token: "mig_aaaaaaaaaaaaaaaa", DID: "did:plc:abc", Status: migration.StatusPendingDownload}
	require.NoError(t, s.CreateMigration(ctx, m1))
	assert.NotZero(t, m1.ID)

	m2 := &migration.Migration{Token: "mig_bbbbbbbbbbbbbbbb", DID: "did:plc:abc", Status: migration.StatusPendingDownload}
	err := s.CreateMigration(ctx, m2)
	assert.Error(t, err, "a second non-terminal migration for the same DID must be rejected")
}

func TestCreateMigrationAllowedAgainAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := &migration.Migration{Token: "mig_cccccccccccccccc", DID: "did:plc:xyz", Status: migration.StatusPendingDownload}
	require.NoError(t, s.CreateMigration(ctx, m1))

	m1.Status = migration.StatusFailed
	require.NoError(t, s.SaveMigration(ctx, m1))

	m2 := &migration.Migration{Token: "mig_dddddddddddddddd", DID: "did:plc:xyz", Status: migration.StatusPendingDownload}
	assert.NoError(t, s.CreateMigration(ctx, m2), "a new migration for the same DID is allowed once the prior one is terminal")
}

func TestLoadMigrationByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &migration.Migration{Token: "mig_eeeeeeeeeeeeeeee", DID: "did:plc:tok", Status: migration.StatusPendingDownload}
	require.NoError(t, s.CreateMigration(ctx, m))

	got, err := s.LoadMigrationByToken(ctx, "mig_eeeeeeeeeeeeeeee")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	_, err = s.LoadMigrationByToken(ctx, "mig_doesnotexist0000")
	assert.Error(t, err)
}

func TestCountInStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := &migration.Migration{Token: "mig_" + string(rune('f'+i)) + "fffffffffffffff", DID: "did:plc:count" + string(rune('a'+i)), Status: migration.StatusPendingBlobs}
		require.NoError(t, s.CreateMigration(ctx, m))
	}

	n, err := s.CountInStatus(ctx, migration.StatusPendingBlobs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountInStatus(ctx, migration.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJobQueueDequeuesHighestPriorityReadyJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, &jobs.Job{ID: "low1", Queue: jobs.QueueLow, Step: "housekeep"}))
	require.NoError(t, s.Enqueue(ctx, &jobs.Job{ID: "mig1", Queue: jobs.QueueMigrations, Step: "import_repo"}))
	require.NoError(t, s.Enqueue(ctx, &jobs.Job{ID: "crit1", Queue: jobs.QueueCritical, Step: "activate", NotBefore: time.Now().Add(time.Hour)}))

	got, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "mig1", got.ID, "critical job is not yet ready, so the next-highest ready job wins")

	got, err = s.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "low1", got.ID)

	got, err = s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "the only remaining job is not yet ready")
}

func TestJobDeleteRemovesFromQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, &jobs.Job{ID: "del1", Queue: jobs.QueueDefault}))
	require.NoError(t, s.Delete(ctx, "del1"))

	got, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListByLastErrorSubstring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &migration.Migration{Token: "mig_gggggggggggggggg", DID: "did:plc:err", Status: migration.StatusFailed, LastError: "rate limited talking to target PDS"}
	require.NoError(t, s.CreateMigration(ctx, m))

	matches, err := s.ListByLastErrorSubstring(ctx, "rate limited")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, m.ID, matches[0].ID)

	matches, err = s.ListByLastErrorSubstring(ctx, "nonexistent substring")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
