package orchestrator

import (
	"archive/zip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmigrate/migrator/pkg/identity"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/store"
	"github.com/atmigrate/migrator/pkg/vault"
)

func newTestPhases(t *testing.T) *Phases {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var enqueued []*jobs.Job
	p := NewPhases(s, vault.NewDevelopment(), identity.NewResolver("https://plc.directory"), t.TempDir(), func(ctx context.Context, j *jobs.Job) error {
		enqueued = append(enqueued, j)
		return nil
	})
	return p
}

func newSourceFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			json.NewEncoder(w).Encode(map[string]string{
				"did": "did:plc:alice", "accessJwt": "access1", "refreshJwt": "refresh1",
			})
		case "/xrpc/com.atproto.sync.getRepo":
			w.Write([]byte("fake-car-bytes"))
		case "/xrpc/com.atproto.sync.listBlobs":
			json.NewEncoder(w).Encode(map[string]any{"cids": []string{"blob1", "blob2"}, "cursor": ""})
		case "/xrpc/com.atproto.sync.getBlob":
			w.Write([]byte("blob-bytes"))
		case "/xrpc/app.bsky.actor.getPreferences":
			w.Write([]byte(`{"preferences":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestMigration(t *testing.T, srv *httptest.Server, p *Phases) *migration.Migration {
	t.Helper()
	sealed, err := p.Vault.SealString("hunter2", time.Hour)
	require.NoError(t, err)

	return &migration.Migration{
		ID:           1,
		Token:        "mig_aaaaaaaaaaaaaaaa",
		DID:          "did:plc:alice",
		OldHandle:    "alice.example.com",
		OldPDSHost:   srv.URL,
		Status:       migration.StatusPendingDownload,
		ProgressData: migration.ProgressData{},
		Credentials: migration.Credentials{
			SourcePassword: sealed,
		},
	}
}

func TestDownloadBackupStagesRepoBlobsAndPreferences(t *testing.T) {
	p := newTestPhases(t)
	srv := newSourceFixtureServer(t)
	defer srv.Close()

	m := newTestMigration(t, srv, p)

	err := p.DownloadBackup(context.Background(), m, &jobs.Job{})
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPendingBackup, m.Status)
	assert.Equal(t, 2, m.ProgressData.Int(migration.KeyBlobCount))
}

func TestDownloadBackupSkipsOnStaleEntry(t *testing.T) {
	p := newTestPhases(t)
	srv := newSourceFixtureServer(t)
	defer srv.Close()

	m := newTestMigration(t, srv, p)
	m.Status = migration.StatusPendingAccount // not pending_download

	err := p.DownloadBackup(context.Background(), m, &jobs.Job{})
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPendingAccount, m.Status, "a stale entry must not touch the migration's status")
}

func TestBuildBackupBundleProducesZipAndAdvancesToPendingAccount(t *testing.T) {
	p := newTestPhases(t)
	srv := newSourceFixtureServer(t)
	defer srv.Close()

	m := newTestMigration(t, srv, p)
	require.NoError(t, p.DownloadBackup(context.Background(), m, &jobs.Job{}))
	require.Equal(t, migration.StatusPendingBackup, m.Status)

	err := p.BuildBackupBundle(context.Background(), m, &jobs.Job{})
	require.NoError(t, err)

	assert.Equal(t, migration.StatusPendingAccount, m.Status, "backup_ready -> pending_account is automatic")
	require.NotEmpty(t, m.BackupBundlePath)
	require.NotNil(t, m.BackupExpiresAt)
	assert.WithinDuration(t, time.Now().Add(backupRetention), *m.BackupExpiresAt, time.Minute)

	zr, err := zip.OpenReader(m.BackupBundlePath)
	require.NoError(t, err)
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["metadata.json"])
	assert.True(t, names["repo.car"])
	assert.True(t, names["blobs/blob1"])
	assert.True(t, names["preferences.json"])
}
