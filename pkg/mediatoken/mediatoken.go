// Package mediatoken builds and verifies HMAC-signed, time-limited URLs for
// user media (avatars). Signing keeps the media endpoint private without
// sessions: a URL is valid for its path until its expiry, and nothing else.
//
// Absolute avatar URLs pointing at internal or known-trusted hosts are
// re-signed relative to the caller's public base, so clients behind a
// reverse proxy never see docker-internal hostnames.
package mediatoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultTTL bounds how long a signed URL stays fetchable.
const DefaultTTL = 5 * time.Minute

// MediaRoute is the URL prefix signed paths are served under.
const MediaRoute = "/api/auth/media/"

const mediaPrefix = "/media/"

// Hostnames that only resolve inside the deployment network. A base URL on
// one of these is useless to a browser, so origin-derived bases win over it.
var internalHostnames = map[string]bool{
	"localhost":     true,
	"backend":       true,
	"backend-1":     true,
	"app-backend":   true,
	"app-backend-1": true,
	"nginx":         true,
	"nginx-1":       true,
	"app-nginx":     true,
	"app-nginx-1":   true,
	"0.0.0.0":       true,
}

var (
	ErrBadSignature = errors.New("mediatoken: signature mismatch")
	ErrExpired      = errors.New("mediatoken: url expired")
)

// Signer signs and verifies media paths.
type Signer struct {
	key        []byte
	ttl        time.Duration
	publicBase string
	now        func() time.Time
}

// New creates a Signer. publicBase, when set, overrides all request-derived
// base URLs (use it when the public address cannot be inferred from
// headers). A zero ttl falls back to DefaultTTL.
func New(key string, ttl time.Duration, publicBase string) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{
		key:        []byte(key),
		ttl:        ttl,
		publicBase: normalizeBase(publicBase),
		now:        time.Now,
	}
}

// NormalizePath strips the media prefix and rejects anything that would
// escape the media root. Returns "" for unusable input.
func NormalizePath(name string) string {
	raw := strings.TrimSpace(name)
	if raw == "" {
		return ""
	}
	raw = strings.TrimPrefix(raw, mediaPrefix)
	raw = strings.TrimLeft(raw, "/")
	normalized := path.Clean(raw)
	if normalized == "" || normalized == "." || normalized == ".." {
		return ""
	}
	if strings.HasPrefix(normalized, "../") {
		return ""
	}
	return normalized
}

func (s *Signer) signature(normalized string, expiresAt int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s:%d", normalized, expiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedPath returns the relative signed URL path for a media name, or ""
// when the name does not normalize to a servable path.
func (s *Signer) SignedPath(name string) string {
	normalized := NormalizePath(name)
	if normalized == "" {
		return ""
	}
	expiry := s.now().Add(s.ttl).Unix()
	sig := s.signature(normalized, expiry)
	escaped := (&url.URL{Path: normalized}).EscapedPath()
	q := url.Values{}
	q.Set("exp", fmt.Sprintf("%d", expiry))
	q.Set("sig", sig)
	return MediaRoute + escaped + "?" + q.Encode()
}

// Verify checks a presented path/expiry/signature tuple. The signature is
// compared in constant time and checked before expiry, so probing expired
// URLs reveals nothing about key validity.
func (s *Signer) Verify(rawPath string, expiresAt int64, sig string) error {
	normalized := NormalizePath(rawPath)
	if normalized == "" || sig == "" {
		return ErrBadSignature
	}
	expected := s.signature(normalized, expiresAt)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	if s.now().Unix() > expiresAt {
		return ErrExpired
	}
	return nil
}

// ProfileURL builds the absolute avatar URL for a request. Relative media
// names become signed absolute URLs on the best public base the request
// offers; absolute URLs on internal or trusted hosts are re-signed the same
// way; any other absolute URL passes through untouched. Returns "" when
// there is nothing servable.
func (s *Signer) ProfileURL(r *http.Request, name string) string {
	configuredBase := s.publicBase
	originBase := normalizeBase(firstValue(r.Header.Get("Origin")))
	forwardedBase := baseFromHostAndScheme(
		r.Header.Get("X-Forwarded-Host"),
		r.Header.Get("X-Forwarded-Proto"),
	)
	hostBase := ""
	if r.Host != "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		hostBase = scheme + "://" + r.Host
	}

	trusted := make(map[string]bool, 4)
	for _, base := range []string{configuredBase, originBase, forwardedBase, hostBase} {
		if h := hostnameFromBase(base); h != "" {
			trusted[h] = true
		}
	}

	source := coerceMediaSource(name, trusted)
	if source == "" {
		return ""
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return source
	}

	signed := s.SignedPath(source)
	if signed == "" {
		return ""
	}
	if base := pickBaseURL(configuredBase, forwardedBase, hostBase, originBase); base != "" {
		return base + signed
	}
	return signed
}

// coerceMediaSource turns the stored avatar reference into either a media
// path to sign or an absolute URL to pass through. Absolute URLs on
// internal/trusted hosts collapse to their media path.
func coerceMediaSource(name string, trustedHosts map[string]bool) string {
	raw := strings.TrimSpace(name)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	candidate := NormalizePath(u.Path)
	hostname := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if candidate != "" && (isInternalHost(hostname) || trustedHosts[hostname]) {
		return candidate
	}
	return raw
}

// pickBaseURL chooses the base for absolute URLs: explicit configuration
// first, then forwarded/host bases unless they are internal while the
// request origin is external, then the origin itself.
func pickBaseURL(configured, forwarded, host, origin string) string {
	if configured != "" {
		return configured
	}
	for _, base := range []string{forwarded, host} {
		if base == "" {
			continue
		}
		if shouldPreferOrigin(base, origin) {
			continue
		}
		return base
	}
	if origin != "" {
		return origin
	}
	if forwarded != "" {
		return forwarded
	}
	return host
}

func shouldPreferOrigin(candidate, origin string) bool {
	if candidate == "" || origin == "" {
		return false
	}
	candidateHost := hostnameFromBase(candidate)
	originHost := hostnameFromBase(origin)
	if candidateHost == "" || originHost == "" {
		return false
	}
	return isInternalHost(candidateHost) && !isInternalHost(originHost)
}

func isInternalHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	if internalHostnames[h] {
		return true
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

func firstValue(v string) string {
	if v == "" {
		return ""
	}
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func normalizeScheme(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "http":
		return "http"
	case "https":
		return "https"
	case "wss":
		return "https"
	case "ws":
		return "http"
	}
	return ""
}

func normalizeBase(v string) string {
	if v == "" {
		return ""
	}
	u, err := url.Parse(v)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func baseFromHostAndScheme(host, scheme string) string {
	hostValue := firstValue(host)
	if hostValue == "" {
		return ""
	}
	normalized := normalizeScheme(firstValue(scheme))
	if normalized == "" {
		normalized = "http"
	}
	return normalized + "://" + hostValue
}

func hostnameFromBase(base string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
