package mediatoken

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testSigner(publicBase string) (*Signer, *time.Time) {
	s := New("test-signing-key", 5*time.Minute, publicBase)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"media prefix stripped", "/media/avatars/a.png", "avatars/a.png"},
		{"bare path unchanged", "avatars/a.png", "avatars/a.png"},
		{"leading slashes stripped", "///avatars/a.png", "avatars/a.png"},
		{"inner dots collapsed", "avatars/x/../a.png", "avatars/a.png"},
		{"traversal rejected", "../etc/passwd", ""},
		{"deep traversal rejected", "a/../../etc/passwd", ""},
		{"empty rejected", "", ""},
		{"dot rejected", ".", ""},
		{"prefix only rejected", "/media/", ""},
		{"whitespace trimmed", "  avatars/a.png  ", "avatars/a.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePath(tt.in); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func parseSigned(t *testing.T, signed string) (path string, exp int64, sig string) {
	t.Helper()
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("signed path does not parse: %v", err)
	}
	if !strings.HasPrefix(u.Path, MediaRoute) {
		t.Fatalf("signed path %q lacks media route prefix", u.Path)
	}
	exp, err = strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	if err != nil {
		t.Fatalf("exp does not parse: %v", err)
	}
	return strings.TrimPrefix(u.Path, MediaRoute), exp, u.Query().Get("sig")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, _ := testSigner("")

	signed := s.SignedPath("/media/avatars/a.png")
	if signed == "" {
		t.Fatal("Expected a signed path")
	}
	p, exp, sig := parseSigned(t, signed)
	if err := s.Verify(p, exp, sig); err != nil {
		t.Errorf("Expected valid signature, got %v", err)
	}
	// The served path may carry the media prefix again; verification
	// normalizes before checking.
	if err := s.Verify("/media/"+p, exp, sig); err != nil {
		t.Errorf("Expected prefix-insensitive verification, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s, _ := testSigner("")

	signed := s.SignedPath("avatars/a.png")
	_, exp, sig := parseSigned(t, signed)

	if err := s.Verify("avatars/b.png", exp, sig); err != ErrBadSignature {
		t.Errorf("Expected ErrBadSignature for a different path, got %v", err)
	}
	if err := s.Verify("avatars/a.png", exp+60, sig); err != ErrBadSignature {
		t.Errorf("Expected ErrBadSignature for a shifted expiry, got %v", err)
	}
	if err := s.Verify("avatars/a.png", exp, ""); err != ErrBadSignature {
		t.Errorf("Expected ErrBadSignature for missing signature, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	s, now := testSigner("")

	signed := s.SignedPath("avatars/a.png")
	p, exp, sig := parseSigned(t, signed)

	*now = now.Add(5*time.Minute + time.Second)
	if err := s.Verify(p, exp, sig); err != ErrExpired {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestVerifyDifferentKeyFails(t *testing.T) {
	s1, _ := testSigner("")
	s2 := New("another-key", 5*time.Minute, "")

	signed := s1.SignedPath("avatars/a.png")
	p, exp, sig := parseSigned(t, signed)
	if err := s2.Verify(p, exp, sig); err != ErrBadSignature {
		t.Errorf("Expected ErrBadSignature across keys, got %v", err)
	}
}

func newAvatarRequest(host string, headers map[string]string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "/ws/presence", nil)
	r.Host = host
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestProfileURL(t *testing.T) {
	tests := []struct {
		name       string
		publicBase string
		host       string
		headers    map[string]string
		image      string
		wantBase   string
	}{
		{
			name:       "configured base wins",
			publicBase: "https://chat.example.com",
			host:       "backend:8000",
			headers:    map[string]string{"Origin": "https://other.example.com"},
			image:      "avatars/a.png",
			wantBase:   "https://chat.example.com",
		},
		{
			name:     "forwarded host and proto",
			host:     "backend:8000",
			headers:  map[string]string{"X-Forwarded-Host": "chat.example.com", "X-Forwarded-Proto": "https"},
			image:    "avatars/a.png",
			wantBase: "https://chat.example.com",
		},
		{
			name:     "wss proto normalizes to https",
			host:     "backend:8000",
			headers:  map[string]string{"X-Forwarded-Host": "chat.example.com", "X-Forwarded-Proto": "wss"},
			image:    "avatars/a.png",
			wantBase: "https://chat.example.com",
		},
		{
			name:     "internal host loses to external origin",
			host:     "backend:8000",
			headers:  map[string]string{"Origin": "https://chat.example.com"},
			image:    "avatars/a.png",
			wantBase: "https://chat.example.com",
		},
		{
			name:     "external host kept without origin",
			host:     "chat.example.com",
			image:    "avatars/a.png",
			wantBase: "http://chat.example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := testSigner(tt.publicBase)
			got := s.ProfileURL(newAvatarRequest(tt.host, tt.headers), tt.image)
			if got == "" {
				t.Fatal("Expected a URL")
			}
			if !strings.HasPrefix(got, tt.wantBase+MediaRoute) {
				t.Errorf("ProfileURL() = %q, want base %q", got, tt.wantBase)
			}
			if !strings.Contains(got, "exp=") || !strings.Contains(got, "sig=") {
				t.Errorf("ProfileURL() = %q missing signature params", got)
			}
		})
	}
}

func TestProfileURLPassThroughExternal(t *testing.T) {
	s, _ := testSigner("")
	r := newAvatarRequest("chat.example.com", nil)

	ext := "https://cdn.example.net/avatars/a.png"
	if got := s.ProfileURL(r, ext); got != ext {
		t.Errorf("Expected external URL passed through, got %q", got)
	}
}

func TestProfileURLResignsInternalAbsolute(t *testing.T) {
	s, _ := testSigner("")
	r := newAvatarRequest("chat.example.com", nil)

	got := s.ProfileURL(r, "http://backend:8000/media/avatars/a.png")
	if !strings.HasPrefix(got, "http://chat.example.com"+MediaRoute+"avatars/a.png") {
		t.Errorf("Expected internal absolute URL re-signed on request host, got %q", got)
	}
}

func TestProfileURLEmptyInput(t *testing.T) {
	s, _ := testSigner("")
	r := newAvatarRequest("chat.example.com", nil)

	if got := s.ProfileURL(r, ""); got != "" {
		t.Errorf("Expected empty result, got %q", got)
	}
	if got := s.ProfileURL(r, "../../etc/passwd"); got != "" {
		t.Errorf("Expected traversal rejected, got %q", got)
	}
}
