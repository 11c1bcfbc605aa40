package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmigrate/migrator/pkg/config"
	"github.com/atmigrate/migrator/pkg/identity"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/orchestrator"
	"github.com/atmigrate/migrator/pkg/store"
	"github.com/atmigrate/migrator/pkg/vault"
)

type testServer struct {
	*Server
	enqueued []*jobs.Job
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ts := &testServer{}
	srv := &Server{
		store:    s,
		vault:    vault.NewDevelopment(),
		resolver: identity.NewResolver("https://plc.directory"),
		phases:   orchestrator.NewPhases(s, vault.NewDevelopment(), identity.NewResolver("https://plc.directory"), t.TempDir(), nil),
		enqueue: func(ctx context.Context, j *jobs.Job) error {
			ts.enqueued = append(ts.enqueued, j)
			return nil
		},
		cfg:    config.Default(),
		logger: zerolog.Nop(),
	}
	srv.router = srv.routes()
	ts.Server = srv
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, r)
	return w
}

func TestCreateMigrationRejectsInvalidEmail(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/migrations/", createMigrationRequest{
		Email: "not-an-email", OldHandle: "alice.example.com", Password: "hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateMigrationRejectsInvalidHandle(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/migrations/", createMigrationRequest{
		Email: "alice@example.com", OldHandle: "not a handle", Password: "hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateMigrationRejectsMissingPassword(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/migrations/", createMigrationRequest{
		Email: "alice@example.com", OldHandle: "alice.example.com",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seedMigration(t *testing.T, ts *testServer, status migration.Status) *migration.Migration {
	t.Helper()
	m := &migration.Migration{
		Token:                  "mig_aaaaaaaaaaaaaaaa",
		DID:                    "did:plc:alice",
		OldHandle:              "alice.example.com",
		Status:                 status,
		ProgressData:           migration.ProgressData{},
		EmailVerificationToken: "verify-me",
		CreatedAt:              time.Now(),
		UpdatedAt:              time.Now(),
	}
	require.NoError(t, ts.store.CreateMigration(context.Background(), m))
	return m
}

func TestGetStatusReturnsProgress(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, migration.StatusPendingBlobs)

	w := ts.do(t, http.MethodGet, "/v1/migrations/"+m.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got statusPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, migration.StatusPendingBlobs, got.Status)
	assert.Greater(t, got.ProgressPercentage, 0)
}

func TestGetStatusUnknownTokenReturns404(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/migrations/mig_doesnotexist0000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifyEmailIsIdempotentWhenAlreadyVerified(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, migration.StatusPendingDownload)
	now := time.Now()
	m.EmailVerifiedAt = &now
	require.NoError(t, ts.store.SaveMigration(context.Background(), m))

	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/verify-email", verifyEmailRequest{VerificationToken: "wrong"})
	assert.Equal(t, http.StatusOK, w.Code, "an already-verified migration must not reject a stale/wrong token")
}

func TestVerifyEmailRejectsTokenMismatch(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, "")
	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/verify-email", verifyEmailRequest{VerificationToken: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestVerifyEmailAdvancesAndEnqueuesJob(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, "")
	m.CreateBackupBundle = true
	require.NoError(t, ts.store.SaveMigration(context.Background(), m))

	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/verify-email", verifyEmailRequest{VerificationToken: "verify-me"})
	require.Equal(t, http.StatusOK, w.Code)

	reloaded, err := ts.store.LoadMigrationByToken(context.Background(), m.Token)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPendingDownload, reloaded.Status)
	require.Len(t, ts.enqueued, 1)
	assert.Equal(t, orchestrator.StepDownloadBackup, ts.enqueued[0].Step)
}

func TestVerifyEmailWithoutBackupGoesStraightToPendingAccount(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, "")
	m.CreateBackupBundle = false
	require.NoError(t, ts.store.SaveMigration(context.Background(), m))

	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/verify-email", verifyEmailRequest{VerificationToken: "verify-me"})
	require.Equal(t, http.StatusOK, w.Code)

	reloaded, err := ts.store.LoadMigrationByToken(context.Background(), m.Token)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPendingAccount, reloaded.Status)
	require.Len(t, ts.enqueued, 1)
	assert.Equal(t, orchestrator.StepCreateAccount, ts.enqueued[0].Step)
}

func TestCancelClearsCredentials(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, migration.StatusPendingRepo)
	sealed, err := ts.vault.SealString("hunter2", time.Hour)
	require.NoError(t, err)
	m.Credentials.SourcePassword = sealed
	require.NoError(t, ts.store.SaveMigration(context.Background(), m))

	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	reloaded, err := ts.store.LoadMigrationByToken(context.Background(), m.Token)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCancelled, reloaded.Status)
	assert.Nil(t, reloaded.Credentials.SourcePassword)
}

func TestRetryRejectsNonFailedMigration(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, migration.StatusPendingBlobs)
	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryRestoresPhaseStatusAndReenqueues(t *testing.T) {
	ts := newTestServer(t)
	m := seedMigration(t, ts, migration.StatusFailed)
	m.CurrentJobStep = string(orchestrator.StepImportBlobs)
	m.LastError = "network: boom"
	require.NoError(t, ts.store.SaveMigration(context.Background(), m))

	w := ts.do(t, http.MethodPost, "/v1/migrations/"+m.Token+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	reloaded, err := ts.store.LoadMigrationByToken(context.Background(), m.Token)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPendingBlobs, reloaded.Status, "retry must restore the phase's expected entry status, not leave it at failed")
	assert.Empty(t, reloaded.LastError)
	require.Len(t, ts.enqueued, 1)
	assert.Equal(t, orchestrator.StepImportBlobs, ts.enqueued[0].Step)
}
