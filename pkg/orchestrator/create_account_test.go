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
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
)

// newAccountExistsFixtureServer serves a target host that already has a
// deactivated account for the migrating DID, per spec.md §8 scenario 4.
func newAccountExistsFixtureServer(t *testing.T, deactivated bool) *httptest.Server {
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
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`AlreadyExistsError: did already registered`))
		case "/xrpc/com.atproto.admin.getAccountInfo":
			json.NewEncoder(w).Encode(map[string]any{"handle": "alice.example.com", "deactivated": deactivated})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestCreateAccountOrphanedDeactivatedIsSurfacedForOperatorCleanup(t *testing.T) {
	p := newTestPhases(t)
	srv := newAccountExistsFixtureServer(t, true)
	defer srv.Close()

	m := newTestMigration(t, srv, p)
	m.Status = migration.StatusPendingAccount
	m.NewPDSHost = srv.URL
	m.NewHandle = "alice.newhost.example"
	m.Email = "alice@example.com"

	err := p.CreateAccount(context.Background(), m, &jobs.Job{})
	require.Error(t, err)
	assert.Equal(t, migerr.KindAccountExists, migerr.KindOf(err))

	sub, ok := accountExistsSubKind(err)
	require.True(t, ok)
	assert.Equal(t, migerr.SubKindOrphanedDeactivated, sub)

	assert.Contains(t, m.LastError, "operator must remove it")
	assert.Equal(t, migration.StatusPendingAccount, m.Status, "a failed create_account must not advance the state machine")
}

func TestCreateAccountActiveAccountIsFatal(t *testing.T) {
	p := newTestPhases(t)
	srv := newAccountExistsFixtureServer(t, false)
	defer srv.Close()

	m := newTestMigration(t, srv, p)
	m.Status = migration.StatusPendingAccount
	m.NewPDSHost = srv.URL
	m.NewHandle = "alice.newhost.example"
	m.Email = "alice@example.com"

	err := p.CreateAccount(context.Background(), m, &jobs.Job{})
	require.Error(t, err)

	sub, ok := accountExistsSubKind(err)
	require.True(t, ok)
	assert.Equal(t, migerr.SubKindActive, sub)
	assert.Contains(t, m.LastError, "migration is not possible")
}

func TestCreateAccountSkipsOnStaleEntry(t *testing.T) {
	p := newTestPhases(t)
	srv := newAccountExistsFixtureServer(t, true)
	defer srv.Close()

	m := newTestMigration(t, srv, p)
	m.Status = migration.StatusPendingRepo // not pending_account

	err := p.CreateAccount(context.Background(), m, &jobs.Job{})
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPendingRepo, m.Status)
}
