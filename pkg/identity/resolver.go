// Package identity implements the handle → DID → PDS-endpoint resolution
// chain of spec.md's Identity Resolver: DNS TXT lookup, HTTPS well-known
// fallback, and the third-party identity directory's DID-document API.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
)

const resolveTimeout = 10 * time.Second

// Resolver resolves handles to DIDs and DIDs to their current PDS service
// endpoint, consulting the identity directory for did:plc subjects.
type Resolver struct {
	directoryHost string
	http          *retryablehttp.Client
	lookupTXT     func(ctx context.Context, name string) ([]string, error)
}

// NewResolver builds a Resolver against directoryHost (spec.md §6.5's
// DIRECTORY_HOST, e.g. https://plc.directory).
func NewResolver(directoryHost string) *Resolver {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	return &Resolver{
		directoryHost: strings.TrimSuffix(directoryHost, "/"),
		http:          rc,
		lookupTXT: func(ctx context.Context, name string) ([]string, error) {
			return net.DefaultResolver.LookupTXT(ctx, name)
		},
	}
}

// ResolveHandleToDID resolves a handle (e.g. "alice.example.com") to its
// DID, trying DNS TXT first and falling back to the HTTPS well-known path,
// matching the two mechanisms spec.md names.
func (r *Resolver) ResolveHandleToDID(ctx context.Context, handle string) (string, error) {
	if !migration.ValidHandle(handle) {
		return "", migerr.Validation("resolve_handle", fmt.Errorf("invalid handle: %s", handle))
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	if did, err := r.resolveViaDNS(ctx, handle); err == nil {
		return did, nil
	}

	did, err := r.resolveViaWellKnown(ctx, handle)
	if err != nil {
		return "", migerr.Protocol("resolve_handle", fmt.Errorf("DNS and well-known resolution both failed for %s: %w", handle, err))
	}
	return did, nil
}

func (r *Resolver) resolveViaDNS(ctx context.Context, handle string) (string, error) {
	records, err := r.lookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if did, ok := strings.CutPrefix(rec, "did="); ok {
			return did, nil
		}
	}
	return "", fmt.Errorf("no _atproto TXT record with a did= value for %s", handle)
}

func (r *Resolver) resolveViaWellKnown(ctx context.Context, handle string) (string, error) {
	url := "https://" + handle + "/.well-known/atproto-did"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("well-known endpoint returned http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	did := strings.TrimSpace(string(body))
	if !migration.ValidDID(did) {
		return "", fmt.Errorf("well-known endpoint returned malformed did %q", did)
	}
	return did, nil
}

// didDocument is the subset of a DID document this resolver cares about.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolvePDSEndpoint looks up did's current PDS service endpoint. did:plc
// subjects are resolved against the identity directory; did:web subjects
// are resolved directly against the subject's own well-known document.
func (r *Resolver) ResolvePDSEndpoint(ctx context.Context, did string) (string, error) {
	if !migration.ValidDID(did) {
		return "", migerr.Validation("resolve_pds_endpoint", fmt.Errorf("invalid did: %s", did))
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.directoryHost + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		docURL = "https://" + domain + "/.well-known/did.json"
	default:
		return "", migerr.Validation("resolve_pds_endpoint", fmt.Errorf("unsupported did method: %s", did))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", migerr.Protocol("resolve_pds_endpoint", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", migerr.Network("resolve_pds_endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", migerr.Protocol("resolve_pds_endpoint", fmt.Errorf("directory returned http %d: %s", resp.StatusCode, body))
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", migerr.Protocol("resolve_pds_endpoint", fmt.Errorf("decode did document: %w", err))
	}

	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", migerr.Protocol("resolve_pds_endpoint", fmt.Errorf("did document for %s has no #atproto_pds service entry", did))
}
