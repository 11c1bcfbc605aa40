package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migration"
)

// newFullMigrationFixtureServer serves every endpoint a no-backup
// migration_out touches end to end, for spec.md §8 scenario 1 (the full
// happy path). Source and target are the same httptest.Server, matching
// how newTestMigration/newSourceFixtureServer already single-host the rest
// of this package's tests.
func newFullMigrationFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			json.NewEncoder(w).Encode(map[string]string{
				"did": "did:plc:alice", "accessJwt": "access1", "refreshJwt": "refresh1",
			})
		case "/xrpc/com.atproto.server.getServiceAuth":
			json.NewEncoder(w).Encode(map[string]string{"token": "svc-auth-token"})
		case "/xrpc/com.atproto.server.createAccount":
			json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:alice"})
		case "/xrpc/com.atproto.sync.getRepo":
			w.Write([]byte("fake-car-bytes"))
		case "/xrpc/com.atproto.repo.importRepo":
			w.Write(nil)
		case "/xrpc/com.atproto.sync.listBlobs":
			json.NewEncoder(w).Encode(map[string]any{"cids": []string{"blob1", "blob2"}, "cursor": ""})
		case "/xrpc/com.atproto.sync.getBlob":
			w.Write([]byte("blob-bytes"))
		case "/xrpc/com.atproto.repo.uploadBlob":
			w.Write([]byte(`{}`))
		case "/xrpc/app.bsky.actor.getPreferences":
			w.Write([]byte(`{"preferences":[]}`))
		case "/xrpc/app.bsky.actor.putPreferences":
			w.Write(nil)
		case "/xrpc/com.atproto.identity.requestPlcOperationSignature":
			w.Write(nil)
		case "/xrpc/com.atproto.identity.getRecommendedDidCredentials":
			w.Write([]byte(`{"rotationKeys":["did:key:zAbc"]}`))
		case "/xrpc/com.atproto.identity.signPlcOperation":
			w.Write([]byte(`{"op":"signed"}`))
		case "/xrpc/com.atproto.identity.submitPlcOperation":
			w.Write([]byte(`{}`))
		case "/xrpc/com.atproto.server.activateAccount":
			w.Write(nil)
		case "/xrpc/com.atproto.server.deactivateAccount":
			w.Write(nil)
		case "/xrpc/com.atproto.identity.addRotationKey":
			w.Write(nil)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// TestFullMigrationOutHappyPath drives every phase of a no-backup
// migration_out in sequence and asserts the migration reaches completed
// with its credentials purged, per spec.md §8 scenario 1.
func TestFullMigrationOutHappyPath(t *testing.T) {
	p := newTestPhases(t)
	srv := newFullMigrationFixtureServer(t)
	defer srv.Close()

	m := newTestMigration(t, srv, p)
	m.MigrationType = migration.TypeMigrationOut
	m.NewPDSHost = srv.URL
	m.NewHandle = "alice.newhost.example"
	m.Email = "alice@example.com"
	m.CreateBackupBundle = false
	m.Status = migration.StatusPendingAccount

	ctx := context.Background()
	job := &jobs.Job{}

	require.NoError(t, p.CreateAccount(ctx, m, job))
	assert.Equal(t, migration.StatusPendingRepo, m.Status)

	require.NoError(t, p.ImportRepo(ctx, m, job))
	assert.Equal(t, migration.StatusPendingBlobs, m.Status)

	require.NoError(t, p.ImportBlobs(ctx, m, job))
	assert.Equal(t, migration.StatusPendingPrefs, m.Status)
	assert.Equal(t, 2, m.ProgressData.Int(migration.KeyBlobCount))

	require.NoError(t, p.ImportPreferences(ctx, m, job))
	assert.Equal(t, migration.StatusPendingPLC, m.Status)

	require.NoError(t, p.RequestPLCToken(ctx, m, job))
	assert.Equal(t, migration.StatusPendingPLC, m.Status, "requesting the token does not itself advance the status")

	require.NoError(t, p.SubmitOneTimeToken(ctx, m, "user-pasted-one-time-token"))
	assert.Equal(t, migration.StatusPendingPLC, m.Status, "submitting the token only enqueues the critical job")
	require.NotNil(t, m.Credentials.DirectoryOneTime)

	require.NoError(t, p.DirectoryUpdate(ctx, m, job))
	assert.Equal(t, migration.StatusPendingActivate, m.Status)
	assert.Nil(t, m.Credentials.DirectoryOneTime)

	require.NoError(t, p.Activate(ctx, m, job))
	assert.Equal(t, migration.StatusCompleted, m.Status)

	assert.Nil(t, m.Credentials.SourcePassword)
	assert.Nil(t, m.Credentials.SourceAccessToken)
	assert.Nil(t, m.Credentials.TargetAccessToken)
	assert.NotNil(t, m.Credentials.RotationPrivateKey, "the rotation private key survives credential purge until delivered")

	_, hasCompletedAt := m.ProgressData[migration.KeyCompletedAt]
	assert.True(t, hasCompletedAt)
}
