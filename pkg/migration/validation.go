package migration

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/atmigrate/migrator/pkg/migerr"
)

// TokenPrefix is the fixed literal every user-facing migration token starts
// with (spec.md §3.1: "a fixed literal").
const TokenPrefix = "mig_"

// tokenAlphabet is RFC 4648 base32 without padding, lowercased for URL
// friendliness. 16 characters of base32 is 80 bits of entropy, matching the
// "entropy >= 80 bits" requirement.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz234567"
const tokenBodyLen = 16

var tokenPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(TokenPrefix) + `[a-z2-7]{16}$`)

// GenerateToken produces a new unguessable migration token. Uniqueness
// across existing tokens is enforced by the store's unique index, not here.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBodyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("migration: generate token: %w", err)
	}
	body := make([]byte, tokenBodyLen)
	for i, b := range buf {
		body[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return TokenPrefix + string(body), nil
}

// ValidToken reports whether a token matches the prefix-and-16-base32
// pattern (spec.md §8 invariant).
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// didPattern matches did:<method>:<method-specific>.
var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%-]+$`)

// ValidDID reports whether s has the shape did:<method>:<method-specific>.
func ValidDID(s string) bool {
	return didPattern.MatchString(s)
}

// handleLabelPattern is one dotted label: alphanumeric with interior
// hyphens, per ATProto handle rules (spec.md §3.1).
var handleLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidHandle enforces the ATProto handle rules: dotted labels, 1-63 chars
// each, total <= 253, alphanumeric with interior hyphens.
func ValidHandle(handle string) bool {
	if len(handle) == 0 || len(handle) > 253 {
		return false
	}
	labels := strings.Split(handle, ".")
	if len(labels) < 2 {
		return false // handles are always dotted
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !handleLabelPattern.MatchString(label) {
			return false
		}
	}
	return true
}

// ValidEmail does a syntactic check only; no deliverability check.
func ValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// NormalizeHost ensures an https:// scheme is present and the host does not
// resolve to a private/loopback/link-local range (SSRF guard, spec.md
// §3.1). It performs a DNS lookup, so callers should treat it as a network
// operation and apply a timeout upstream if needed.
func NormalizeHost(host string) (string, error) {
	if host == "" {
		return "", migerr.Validation("normalize_host", fmt.Errorf("host is empty"))
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", migerr.Validation("normalize_host", fmt.Errorf("invalid host %q: %w", host, err))
	}
	if u.Scheme != "https" {
		return "", migerr.Validation("normalize_host", fmt.Errorf("host %q must use https", host))
	}
	if u.Hostname() == "" {
		return "", migerr.Validation("normalize_host", fmt.Errorf("host %q has no hostname", host))
	}

	if err := guardAgainstPrivateAddress(u.Hostname()); err != nil {
		return "", err
	}

	normalized := u.Scheme + "://" + u.Host
	return normalized, nil
}

// guardAgainstPrivateAddress rejects hosts that resolve to loopback,
// link-local, or private ranges, and raw private/loopback IP literals.
func guardAgainstPrivateAddress(hostname string) error {
	if ip := net.ParseIP(hostname); ip != nil {
		if isDisallowedIP(ip) {
			return migerr.Validation("ssrf_guard", fmt.Errorf("host %q resolves to a disallowed address range", hostname))
		}
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// DNS failures are surfaced to the caller as validation errors at
		// creation time; the phase jobs re-resolve later and will see a
		// live Network error if this was transient.
		return migerr.Validation("ssrf_guard", fmt.Errorf("resolve host %q: %w", hostname, err))
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return migerr.Validation("ssrf_guard", fmt.Errorf("host %q resolves to a disallowed address range (%s)", hostname, ip))
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}
