// Package pds is the protocol adapter of spec.md §4.3: the only package
// that speaks HTTP to a source PDS, a target PDS, or the identity
// directory. Every other package reaches these servers exclusively through
// an *Adapter.
//
// Retrying is deliberately split across two layers: this package retries
// exactly once, in-line, on a 401 (spec.md: "the adapter refreshes the
// token once and retries; failure to refresh propagates as
// AuthenticationError"); everything else — rate limits, network blips,
// repeated protocol errors — is the job runtime's job (pkg/jobs), not
// this one's. retryablehttp is configured with RetryMax 0 for that reason:
// it is used here for its request-building and leveled-logging ergonomics,
// not its own backoff loop.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/migerr"
)

// Per-operation-class timeouts (spec.md §5).
const (
	ControlTimeout = 30 * time.Second
	BlobTimeout    = 300 * time.Second
	RepoTimeout    = 600 * time.Second
)

var rateLimitBodySubstrings = []string{"RateLimitExceeded", "Too Many Requests", "rate limit"}

// Side identifies which end of a migration a session belongs to; the same
// PDS host can be both source and target in a migration_in flow, so the
// cache key also needs side to stay correct.
type Side string

const (
	SideSource Side = "source"
	SideTarget Side = "target"
)

// Session is one authenticated PDS session: access token plus whatever is
// needed to refresh it.
type Session struct {
	Host         string
	DID          string
	AccessToken  string
	RefreshToken string
	usePassword  bool // true: re-auth via createSession; false: refresh-token grant
	identifier   string
	password     string
}

// RefreshCallback persists a rotated (access, refresh) token pair back onto
// the migration record, per spec.md §4.3 ("rotate tokens on every refresh,
// call the persisted-refresh callback on rotation to keep the store
// current").
type RefreshCallback func(ctx context.Context, side Side, access, refresh string) error

// Adapter is a protocol adapter scoped to one migration. workDir isolates
// any on-disk artifacts (exported repo, downloaded blobs) this migration's
// phases produce — the per-migration working-directory isolation spec.md
// §5 calls "non-negotiable" for any protocol tool that touches local
// files.
type Adapter struct {
	http    *retryablehttp.Client
	workDir string

	mu       sync.Mutex
	sessions map[Side]*Session

	onRefresh RefreshCallback
	logger    zerolog.Logger
}

// NewAdapter constructs an adapter rooted at workDir, creating it if
// necessary.
func NewAdapter(workDir string, onRefresh RefreshCallback) (*Adapter, error) {
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return nil, fmt.Errorf("pds: create working directory: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = retryableLogAdapter{log.WithComponent("pds-http")}

	return &Adapter{
		http:      rc,
		workDir:   workDir,
		sessions:  make(map[Side]*Session),
		onRefresh: onRefresh,
		logger:    log.WithComponent("pds"),
	}, nil
}

// retryableLogAdapter satisfies retryablehttp.LeveledLogger on top of
// zerolog, so the adapter's HTTP client logs the way the rest of the
// service does.
type retryableLogAdapter struct{ l zerolog.Logger }

func (a retryableLogAdapter) kv(keysAndValues []interface{}) zerolog.Logger {
	l := a.l
	ctx := l.With()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ctx = ctx.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return ctx.Logger()
}

func (a retryableLogAdapter) Error(msg string, kv ...interface{}) { a.kv(kv).Error().Msg(msg) }
func (a retryableLogAdapter) Info(msg string, kv ...interface{})  { a.kv(kv).Info().Msg(msg) }
func (a retryableLogAdapter) Debug(msg string, kv ...interface{}) { a.kv(kv).Debug().Msg(msg) }
func (a retryableLogAdapter) Warn(msg string, kv ...interface{})  { a.kv(kv).Warn().Msg(msg) }

// session returns the cached session for side, or nil.
func (a *Adapter) session(side Side) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[side]
}

func (a *Adapter) setSession(side Side, s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[side] = s
}

// --- wire shapes ---

type createSessionReq struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createSessionResp struct {
	DID        string `json:"did"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

type refreshSessionResp struct {
	DID        string `json:"did"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// LoginSource authenticates to host as identifier using password, caching
// the resulting session under SideSource. This is the refresh-token-based
// path of spec.md §4.3: after the initial login, subsequent refreshes use
// the refresh token, not the password.
func (a *Adapter) LoginSource(ctx context.Context, host, identifier, password string) (*Session, error) {
	return a.login(ctx, SideSource, host, identifier, password)
}

// LoginTarget authenticates to host as identifier using password (the
// password-based path; used for migration_out account creation's
// subsequent logins and migration_in's access-verification login).
func (a *Adapter) LoginTarget(ctx context.Context, host, identifier, password string) (*Session, error) {
	return a.login(ctx, SideTarget, host, identifier, password)
}

func (a *Adapter) login(ctx context.Context, side Side, host, identifier, password string) (*Session, error) {
	op := "login_" + string(side)
	body, err := json.Marshal(createSessionReq{Identifier: identifier, Password: password})
	if err != nil {
		return nil, migerr.Protocol(op, err)
	}

	var out createSessionResp
	if err := a.doJSON(ctx, op, http.MethodPost, host, "/xrpc/com.atproto.server.createSession", body, false, side, &out); err != nil {
		return nil, err
	}

	s := &Session{
		Host: host, DID: out.DID, AccessToken: out.AccessJwt, RefreshToken: out.RefreshJwt,
		usePassword: true, identifier: identifier, password: password,
	}
	a.setSession(side, s)
	return s, nil
}

// LoginWithRefreshToken seeds a session from a previously persisted refresh
// token (migration_in's target side, or any resumed migration), without
// re-sending the password.
func (a *Adapter) LoginWithRefreshToken(ctx context.Context, side Side, host, did, refreshToken string) (*Session, error) {
	s := &Session{Host: host, DID: did, RefreshToken: refreshToken, usePassword: false}
	a.setSession(side, s)
	if err := a.refresh(ctx, side); err != nil {
		return nil, err
	}
	return a.session(side), nil
}

// refresh rotates the access token for side, via re-login (password-based)
// or the refresh-token grant, and invokes the persisted-refresh callback.
func (a *Adapter) refresh(ctx context.Context, side Side) error {
	s := a.session(side)
	if s == nil {
		return migerr.Authentication("refresh_"+string(side), fmt.Errorf("no cached session for %s", side))
	}

	if s.usePassword {
		fresh, err := a.login(ctx, side, s.Host, s.identifier, s.password)
		if err != nil {
			return err
		}
		if a.onRefresh != nil {
			return a.onRefresh(ctx, side, fresh.AccessToken, fresh.RefreshToken)
		}
		return nil
	}

	var out refreshSessionResp
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.Host+"/xrpc/com.atproto.server.refreshSession", nil)
	if err != nil {
		return migerr.Protocol("refresh_"+string(side), err)
	}
	req.Header.Set("Authorization", "Bearer "+s.RefreshToken)

	if err := a.send(req, "refresh_"+string(side), &out); err != nil {
		return migerr.Authentication("refresh_"+string(side), err)
	}

	s.AccessToken, s.RefreshToken = out.AccessJwt, out.RefreshJwt
	a.setSession(side, s)
	if a.onRefresh != nil {
		return a.onRefresh(ctx, side, s.AccessToken, s.RefreshToken)
	}
	return nil
}

// --- service auth / account lifecycle ---

type serviceAuthResp struct {
	Token string `json:"token"`
}

// GetServiceAuth mints a short-lived bearer token on the source session
// scoped to server.createAccount on targetServiceDID.
func (a *Adapter) GetServiceAuth(ctx context.Context, targetServiceDID string) (string, error) {
	s := a.session(SideSource)
	if s == nil {
		return "", migerr.Authentication("get_service_auth", fmt.Errorf("no source session"))
	}
	q := fmt.Sprintf("/xrpc/com.atproto.server.getServiceAuth?aud=%s&lxm=com.atproto.server.createAccount", targetServiceDID)

	var out serviceAuthResp
	if err := a.doJSON(ctx, "get_service_auth", http.MethodGet, s.Host, q, nil, true, SideSource, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", migerr.Protocol("get_service_auth", fmt.Errorf("server returned empty service-auth token"))
	}
	return out.Token, nil
}

// AccountStatus is the result of CheckAccountExistsOnTarget.
type AccountStatus struct {
	Exists      bool
	Deactivated bool
	Handle      string
}

// CheckAccountExistsOnTarget looks up did on the target host. Per spec.md
// §4.3 this call is never fatal: a lookup failure is treated as "does not
// exist" rather than propagated.
func (a *Adapter) CheckAccountExistsOnTarget(ctx context.Context, targetHost, did string) AccountStatus {
	var out struct {
		Handle      string `json:"handle"`
		Deactivated bool   `json:"deactivated"`
	}
	url := fmt.Sprintf("/xrpc/com.atproto.admin.getAccountInfo?did=%s", did)
	if err := a.doJSON(ctx, "check_account_exists", http.MethodGet, targetHost, url, nil, false, SideTarget, &out); err != nil {
		return AccountStatus{Exists: false}
	}
	return AccountStatus{Exists: true, Deactivated: out.Deactivated, Handle: out.Handle}
}

type createAccountReq struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// CreateAccountOnTarget creates a new, deactivated account on the target
// host using the service-auth bearer token minted by GetServiceAuth.
func (a *Adapter) CreateAccountOnTarget(ctx context.Context, targetHost, serviceAuthToken, did, handle, email, password, inviteCode string) error {
	body, err := json.Marshal(createAccountReq{DID: did, Handle: handle, Email: email, Password: password, InviteCode: inviteCode})
	if err != nil {
		return migerr.Protocol("create_account_on_target", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, targetHost+"/xrpc/com.atproto.server.createAccount", bytes.NewReader(body))
	if err != nil {
		return migerr.Protocol("create_account_on_target", err)
	}
	req.Header.Set("Authorization", "Bearer "+serviceAuthToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(withTimeout(req, ControlTimeout))
	if err != nil {
		return migerr.Network("create_account_on_target", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusConflict || strings.Contains(string(respBody), "AlreadyExists") {
		status := a.CheckAccountExistsOnTarget(ctx, targetHost, did)
		sub := migerr.SubKindActive
		if status.Deactivated {
			sub = migerr.SubKindOrphanedDeactivated
		}
		return migerr.AccountExists("create_account_on_target", sub, fmt.Errorf("account already exists on target: %s", respBody))
	}
	if isRateLimited(resp.StatusCode, string(respBody)) {
		return migerr.RateLimit("create_account_on_target", fmt.Errorf("rate limited: %s", respBody))
	}
	if resp.StatusCode >= 400 {
		return migerr.Protocol("create_account_on_target", fmt.Errorf("http %d: %s", resp.StatusCode, respBody))
	}

	if _, err := a.LoginTarget(ctx, targetHost, did, password); err != nil {
		return err
	}
	return nil
}

// --- repo export/import ---

// ExportRepo streams the source's repository CAR archive to a local file
// under the adapter's working directory and returns its path. Subject to
// the repo-transfer ceiling (spec.md §5: 600s) and a 30s connect timeout;
// the minimum-throughput abort described in spec.md §4.3 is enforced by
// readAtLeastRate.
func (a *Adapter) ExportRepo(ctx context.Context, did string) (string, error) {
	s := a.session(SideSource)
	if s == nil {
		return "", migerr.Authentication("export_repo", fmt.Errorf("no source session"))
	}
	url := fmt.Sprintf("/xrpc/com.atproto.sync.getRepo?did=%s", did)

	destPath := filepath.Join(a.workDir, "repo.car")
	if err := a.downloadToFile(ctx, SideSource, "export_repo", s.Host, url, destPath, RepoTimeout); err != nil {
		return "", err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return "", migerr.Protocol("export_repo", err)
	}
	if info.Size() == 0 {
		return "", migerr.Protocol("export_repo", fmt.Errorf("exported repo archive is empty"))
	}
	return destPath, nil
}

// ImportRepo uploads the binary CAR archive at path to the target.
func (a *Adapter) ImportRepo(ctx context.Context, path string) error {
	s := a.session(SideTarget)
	if s == nil {
		return migerr.Authentication("import_repo", fmt.Errorf("no target session"))
	}
	return a.uploadFile(ctx, SideTarget, "import_repo", s.Host, "/xrpc/com.atproto.repo.importRepo", path, "application/vnd.ipld.car", RepoTimeout)
}

// --- blobs ---

// BlobPage is one page of list_blobs results.
type BlobPage struct {
	IDs    []string
	Cursor string
}

// ListBlobs fetches one page of blob CIDs from the source. Pagination
// terminates when Cursor is empty (spec.md §4.3).
func (a *Adapter) ListBlobs(ctx context.Context, did, cursor string) (BlobPage, error) {
	s := a.session(SideSource)
	if s == nil {
		return BlobPage{}, migerr.Authentication("list_blobs", fmt.Errorf("no source session"))
	}
	url := fmt.Sprintf("/xrpc/com.atproto.sync.listBlobs?did=%s", did)
	if cursor != "" {
		url += "&cursor=" + cursor
	}

	var out struct {
		Cids   []string `json:"cids"`
		Cursor string   `json:"cursor"`
	}
	if err := a.doJSON(ctx, "list_blobs", http.MethodGet, s.Host, url, nil, true, SideSource, &out); err != nil {
		return BlobPage{}, err
	}
	return BlobPage{IDs: out.Cids, Cursor: out.Cursor}, nil
}

// DownloadBlob fetches blob id from the source (public, no auth required)
// into the working directory, returning its local path.
func (a *Adapter) DownloadBlob(ctx context.Context, did, id string) (string, error) {
	s := a.session(SideSource)
	if s == nil {
		return "", migerr.Authentication("download_blob", fmt.Errorf("no source session"))
	}
	url := fmt.Sprintf("/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s", did, id)

	dir := filepath.Join(a.workDir, "blobs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", migerr.FatalUnknown("download_blob", err)
	}
	destPath := filepath.Join(dir, id)
	if err := a.downloadToFile(ctx, SideSource, "download_blob", s.Host, url, destPath, BlobTimeout); err != nil {
		return "", err
	}
	return destPath, nil
}

// UploadBlob uploads the file at path to the target, returning an opaque
// acknowledgement blob reference (the target's own blob ref JSON).
func (a *Adapter) UploadBlob(ctx context.Context, path string) ([]byte, error) {
	s := a.session(SideTarget)
	if s == nil {
		return nil, migerr.Authentication("upload_blob", fmt.Errorf("no target session"))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, migerr.FatalUnknown("upload_blob", err)
	}
	defer f.Close()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.Host+"/xrpc/com.atproto.repo.uploadBlob", f)
	if err != nil {
		return nil, migerr.Protocol("upload_blob", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	body, err := a.doAuthed(req, "upload_blob", SideTarget, BlobTimeout)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// --- preferences ---

// ExportPreferences fetches the source's preferences as local JSON bytes.
func (a *Adapter) ExportPreferences(ctx context.Context) ([]byte, error) {
	s := a.session(SideSource)
	if s == nil {
		return nil, migerr.Authentication("export_preferences", fmt.Errorf("no source session"))
	}
	return a.getAuthedBody(ctx, "export_preferences", s.Host, "/xrpc/app.bsky.actor.getPreferences", SideSource)
}

// ImportPreferences writes prefs JSON to the target.
func (a *Adapter) ImportPreferences(ctx context.Context, prefs []byte) error {
	s := a.session(SideTarget)
	if s == nil {
		return migerr.Authentication("import_preferences", fmt.Errorf("no target session"))
	}
	_, err := a.postAuthedBody(ctx, "import_preferences", s.Host, "/xrpc/app.bsky.actor.putPreferences", prefs, SideTarget, ControlTimeout)
	return err
}

// --- identity directory ---

// RequestPLCToken asks the source to email the user a one-time
// directory-operation token. There is no response body of interest;
// success means the email was queued.
func (a *Adapter) RequestPLCToken(ctx context.Context) error {
	s := a.session(SideSource)
	if s == nil {
		return migerr.Authentication("request_plc_token", fmt.Errorf("no source session"))
	}
	_, err := a.postAuthedBody(ctx, "request_plc_token", s.Host, "/xrpc/com.atproto.identity.requestPlcOperationSignature", nil, SideSource, ControlTimeout)
	return err
}

// GetRecommendedDirectoryOp asks the target for an unsigned identity
// operation recommending itself as the new PDS endpoint.
func (a *Adapter) GetRecommendedDirectoryOp(ctx context.Context) ([]byte, error) {
	s := a.session(SideTarget)
	if s == nil {
		return nil, migerr.Authentication("get_recommended_directory_op", fmt.Errorf("no target session"))
	}
	return a.getAuthedBody(ctx, "get_recommended_directory_op", s.Host, "/xrpc/com.atproto.identity.getRecommendedDidCredentials", SideTarget)
}

// SignDirectoryOp asks the source to countersign unsigned using the
// one-time token the user supplied.
func (a *Adapter) SignDirectoryOp(ctx context.Context, unsigned []byte, oneTimeToken string) ([]byte, error) {
	s := a.session(SideSource)
	if s == nil {
		return nil, migerr.Authentication("sign_directory_op", fmt.Errorf("no source session"))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(unsigned, &payload); err != nil {
		return nil, migerr.Protocol("sign_directory_op", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["token"] = oneTimeToken
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, migerr.Protocol("sign_directory_op", err)
	}

	return a.postAuthedBody(ctx, "sign_directory_op", s.Host, "/xrpc/com.atproto.identity.signPlcOperation", body, SideSource, ControlTimeout)
}

// SubmitDirectoryOp submits the final signed identity operation to the
// target. This is the point of no return (spec.md §4.3, §4.6): once it
// succeeds, the source PDS is no longer the DID's authoritative host.
func (a *Adapter) SubmitDirectoryOp(ctx context.Context, signed []byte) error {
	s := a.session(SideTarget)
	if s == nil {
		return migerr.Authentication("submit_directory_op", fmt.Errorf("no target session"))
	}
	_, err := a.postAuthedBody(ctx, "submit_directory_op", s.Host, "/xrpc/com.atproto.identity.submitPlcOperation", signed, SideTarget, ControlTimeout)
	return err
}

// --- activation ---

// ActivateAccount activates the account on the target.
func (a *Adapter) ActivateAccount(ctx context.Context) error {
	s := a.session(SideTarget)
	if s == nil {
		return migerr.Authentication("activate_account", fmt.Errorf("no target session"))
	}
	_, err := a.postAuthedBody(ctx, "activate_account", s.Host, "/xrpc/com.atproto.server.activateAccount", nil, SideTarget, ControlTimeout)
	return err
}

// DeactivateAccount deactivates the account on the source. Per spec.md
// §4.6 this is best-effort: failure here never fails the migration.
func (a *Adapter) DeactivateAccount(ctx context.Context) error {
	s := a.session(SideSource)
	if s == nil {
		return migerr.Authentication("deactivate_account", fmt.Errorf("no source session"))
	}
	_, err := a.postAuthedBody(ctx, "deactivate_account", s.Host, "/xrpc/com.atproto.server.deactivateAccount", nil, SideSource, ControlTimeout)
	return err
}

// AddRotationKey registers publicKeyDidKey as an additional rotation key on
// the target's identity record. Best-effort per spec.md §4.6.
func (a *Adapter) AddRotationKey(ctx context.Context, publicKeyDidKey string) error {
	s := a.session(SideTarget)
	if s == nil {
		return migerr.Authentication("add_rotation_key", fmt.Errorf("no target session"))
	}
	body, err := json.Marshal(map[string]string{"rotationKey": publicKeyDidKey})
	if err != nil {
		return migerr.Protocol("add_rotation_key", err)
	}
	_, err = a.postAuthedBody(ctx, "add_rotation_key", s.Host, "/xrpc/com.atproto.identity.addRotationKey", body, SideTarget, ControlTimeout)
	return err
}
