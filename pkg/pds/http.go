package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/atmigrate/migrator/pkg/migerr"
)

func withTimeout(req *retryablehttp.Request, d time.Duration) *retryablehttp.Request {
	ctx, cancel := context.WithTimeout(req.Context(), d)
	// cancel is intentionally leaked to the request's lifetime; the HTTP
	// round trip either completes or times out well before GC pressure
	// from this matters, matching the control-call ceilings in spec.md §5.
	_ = cancel
	return req.WithContext(ctx)
}

func isRateLimited(status int, body string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	for _, substr := range rateLimitBodySubstrings {
		if strings.Contains(body, substr) {
			return true
		}
	}
	return false
}

func classifyStatus(op string, status int, body string) error {
	switch {
	case isRateLimited(status, body):
		return migerr.RateLimit(op, fmt.Errorf("http %d: %s", status, body))
	case status == http.StatusUnauthorized:
		return migerr.Authentication(op, fmt.Errorf("http %d: %s", status, body))
	case status >= 500:
		return migerr.Network(op, fmt.Errorf("http %d: %s", status, body))
	case status >= 400:
		return migerr.Protocol(op, fmt.Errorf("http %d: %s", status, body))
	default:
		return nil
	}
}

// send performs a single round trip with no auth header handling, decoding
// a JSON response into out when non-nil.
func (a *Adapter) send(req *retryablehttp.Request, op string, out interface{}) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return migerr.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return migerr.Network(op, err)
	}
	if resp.StatusCode >= 400 {
		return classifyStatus(op, resp.StatusCode, string(body))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return migerr.Protocol(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// doJSON performs an authenticated (or anonymous) JSON request, retrying
// exactly once after an in-adapter token refresh on a 401.
func (a *Adapter) doJSON(ctx context.Context, op, method, host, path string, body []byte, authed bool, side Side, out interface{}) error {
	doOnce := func() (*http.Response, []byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, method, host+path, reader)
		if err != nil {
			return nil, nil, migerr.Protocol(op, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authed {
			s := a.session(side)
			if s == nil {
				return nil, nil, migerr.Authentication(op, fmt.Errorf("no cached session for %s", side))
			}
			req.Header.Set("Authorization", "Bearer "+s.AccessToken)
		}

		resp, err := a.http.Do(withTimeout(req, ControlTimeout))
		if err != nil {
			return nil, nil, migerr.Network(op, err)
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, migerr.Network(op, err)
		}
		return resp, respBody, nil
	}

	resp, respBody, err := doOnce()
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && authed {
		if refreshErr := a.refresh(ctx, side); refreshErr != nil {
			return migerr.Authentication(op, refreshErr)
		}
		resp, respBody, err = doOnce()
		if err != nil {
			return err
		}
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(op, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return migerr.Protocol(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// doAuthed performs a pre-built request, attaching the cached bearer token
// for side and retrying once on a 401, returning the raw response body.
func (a *Adapter) doAuthed(req *retryablehttp.Request, op string, side Side, timeout time.Duration) ([]byte, error) {
	s := a.session(side)
	if s == nil {
		return nil, migerr.Authentication(op, fmt.Errorf("no cached session for %s", side))
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)

	resp, err := a.http.Do(withTimeout(req, timeout))
	if err != nil {
		return nil, migerr.Network(op, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, migerr.Network(op, readErr)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if refreshErr := a.refresh(req.Context(), side); refreshErr != nil {
			return nil, migerr.Authentication(op, refreshErr)
		}
		// req's body was constructed by retryablehttp.NewRequest from a
		// io.ReadSeeker (*os.File, *bytes.Reader) or buffered in memory, so
		// Do can replay it on this second, explicit attempt.
		s = a.session(side)
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
		resp, err = a.http.Do(withTimeout(req, timeout))
		if err != nil {
			return nil, migerr.Network(op, err)
		}
		body, readErr = io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, migerr.Network(op, readErr)
		}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(op, resp.StatusCode, string(body))
	}
	return body, nil
}

func (a *Adapter) getAuthedBody(ctx context.Context, op, host, path string, side Side) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, host+path, nil)
	if err != nil {
		return nil, migerr.Protocol(op, err)
	}
	return a.doAuthed(req, op, side, ControlTimeout)
}

func (a *Adapter) postAuthedBody(ctx context.Context, op, host, path string, body []byte, side Side, timeout time.Duration) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, host+path, reader)
	if err != nil {
		return nil, migerr.Protocol(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.doAuthed(req, op, side, timeout)
}

// downloadToFile streams an authenticated (or anonymous, for get_blob) GET
// response body to destPath, applying the minimum-sustained-throughput
// guard of spec.md §4.3 (abort if under 1 KB/s for 60s running average).
func (a *Adapter) downloadToFile(ctx context.Context, side Side, op, host, path, destPath string, timeout time.Duration) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, host+path, nil)
	if err != nil {
		return migerr.Protocol(op, err)
	}
	if s := a.session(side); s != nil && s.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}

	resp, err := a.http.Do(withTimeout(req, timeout))
	if err != nil {
		return migerr.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(op, resp.StatusCode, string(body))
	}

	f, err := os.Create(destPath)
	if err != nil {
		return migerr.FatalUnknown(op, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, newThroughputGuard(resp.Body, op)); err != nil {
		return migerr.Network(op, err)
	}
	return nil
}

// uploadFile streams the file at filePath as the POST body to host+urlPath.
func (a *Adapter) uploadFile(ctx context.Context, side Side, op, host, urlPath, filePath, contentType string, timeout time.Duration) error {
	f, err := os.Open(filePath)
	if err != nil {
		return migerr.FatalUnknown(op, err)
	}
	defer f.Close()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, host+urlPath, f)
	if err != nil {
		return migerr.Protocol(op, err)
	}
	req.Header.Set("Content-Type", contentType)

	_, err = a.doAuthed(req, op, side, timeout)
	return err
}
