package pds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmigrate/migrator/pkg/migerr"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(t.TempDir(), nil)
	require.NoError(t, err)
	return a
}

func TestLoginSourceCachesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		json.NewEncoder(w).Encode(createSessionResp{DID: "did:plc:abc", AccessJwt: "access1", RefreshJwt: "refresh1"})
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	s, err := a.LoginSource(context.Background(), srv.URL, "alice.example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc", s.DID)
	assert.Equal(t, "access1", s.AccessToken)
	assert.Same(t, s, a.session(SideSource))
}

func TestDoJSONRefreshesOnceOn401ThenRetries(t *testing.T) {
	var createCalls, apiCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			createCalls++
			json.NewEncoder(w).Encode(createSessionResp{DID: "did:plc:abc", AccessJwt: "token-v" + itoa(createCalls), RefreshJwt: "refresh"})
		case "/xrpc/app.bsky.actor.getPreferences":
			apiCalls++
			if apiCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"preferences":[]}`))
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	_, err := a.LoginSource(context.Background(), srv.URL, "alice.example.com", "hunter2")
	require.NoError(t, err)

	body, err := a.ExportPreferences(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(body), "preferences")
	assert.Equal(t, 2, createCalls, "a 401 must trigger exactly one in-adapter re-login")
	assert.Equal(t, 2, apiCalls)
}

func TestCreateAccountOnTargetDetectsAccountExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createAccount":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"AlreadyExists"}`))
		case "/xrpc/com.atproto.admin.getAccountInfo":
			json.NewEncoder(w).Encode(map[string]interface{}{"handle": "bob.example.com", "deactivated": true})
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	err := a.CreateAccountOnTarget(context.Background(), srv.URL, "svc-token", "did:plc:bob", "bob.example.com", "bob@example.com", "pw", "")
	require.Error(t, err)
	assert.Equal(t, migerr.KindAccountExists, migerr.KindOf(err))

	var me *migerr.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, migerr.SubKindOrphanedDeactivated, me.AccountExistsSubKind())
}

func TestListBlobsMapsRateLimitBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			json.NewEncoder(w).Encode(createSessionResp{DID: "did:plc:abc", AccessJwt: "t", RefreshJwt: "r"})
		case "/xrpc/com.atproto.sync.listBlobs":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"RateLimitExceeded"}`))
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	_, err := a.LoginSource(context.Background(), srv.URL, "alice.example.com", "hunter2")
	require.NoError(t, err)

	_, err = a.ListBlobs(context.Background(), "did:plc:abc", "")
	require.Error(t, err)
	assert.Equal(t, migerr.KindRateLimit, migerr.KindOf(err))
}

func TestListBlobsTerminatesOnEmptyCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			json.NewEncoder(w).Encode(createSessionResp{DID: "did:plc:abc", AccessJwt: "t", RefreshJwt: "r"})
		case "/xrpc/com.atproto.sync.listBlobs":
			json.NewEncoder(w).Encode(map[string]interface{}{"cids": []string{"cid1", "cid2"}, "cursor": ""})
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	_, err := a.LoginSource(context.Background(), srv.URL, "alice.example.com", "hunter2")
	require.NoError(t, err)

	page, err := a.ListBlobs(context.Background(), "did:plc:abc", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cid1", "cid2"}, page.IDs)
	assert.Empty(t, page.Cursor)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
