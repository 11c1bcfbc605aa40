package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveHandleToDIDViaDNS(t *testing.T) {
	r := NewResolver("https://plc.directory")
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		assert.Equal(t, "_atproto.alice.example.com", name)
		return []string{"did=did:plc:abc123"}, nil
	}

	did, err := r.ResolveHandleToDID(context.Background(), "alice.example.com")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc123", did)
}

func TestResolveHandleToDIDRejectsMalformedHandle(t *testing.T) {
	r := NewResolver("https://plc.directory")
	_, err := r.ResolveHandleToDID(context.Background(), "not a handle")
	assert.Error(t, err)
}

func TestResolvePDSEndpointForDIDPLC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/did:plc:abc123", req.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example.com"},
			},
		})
	}))
	defer srv.Close()

	r := NewResolver(srv.URL)
	endpoint, err := r.ResolvePDSEndpoint(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.com", endpoint)
}

func TestResolvePDSEndpointMissingServiceEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"service": []map[string]string{}})
	}))
	defer srv.Close()

	r := NewResolver(srv.URL)
	_, err := r.ResolvePDSEndpoint(context.Background(), "did:plc:abc123")
	assert.Error(t, err)
}

func TestResolvePDSEndpointRejectsUnsupportedMethod(t *testing.T) {
	r := NewResolver("https://plc.directory")
	_, err := r.ResolvePDSEndpoint(context.Background(), "did:key:z6Mk")
	assert.Error(t, err)
}
