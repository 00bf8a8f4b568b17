// Package identity resolves who is on the other end of a connection. Tokens
// are JWTs carried as a bearer header, query parameter, or cookie; a missing
// or invalid token is not an error, it just means the connection is a guest.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity fields the chat core cares about.
type Claims struct {
	Username  string
	Picture   string
	ExpiresAt int64
}

// Verifier validates a raw token and returns its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// TokenCookie is the cookie fallback for browser WebSocket clients, which
// cannot set an Authorization header on the upgrade request.
const TokenCookie = "chat-token"

// TokenFromRequest extracts the raw token, preferring the Authorization
// header, then the token query parameter, then the cookie. Empty when the
// request carries none.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

func (c *tokenClaims) toClaims() (*Claims, error) {
	username := c.PreferredUsername
	if username == "" {
		username = c.Subject
	}
	if username == "" {
		return nil, fmt.Errorf("token carries no username")
	}
	var expires int64
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Unix()
	}
	return &Claims{Username: username, Picture: c.Picture, ExpiresAt: expires}, nil
}

// HMACVerifier validates HS256 tokens issued by the auth service.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(token string) (*Claims, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims.toClaims()
}

// NewToken signs an HS256 token for a username. The picture claim carries
// the stored avatar path so connection handlers can build signed media URLs
// without a profile lookup.
func NewToken(secret, username, picture string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PreferredUsername: username,
		Picture:           picture,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWKSVerifier validates RS256 tokens against a remote JWKS endpoint, for
// deployments fronted by an external identity provider.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches and caches the JWKS, retrying while the provider
// boots. issuer, when non-empty, is enforced on every token.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSVerifier) Verify(token string) (*Claims, error) {
	claims := &tokenClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims.toClaims()
}

// Close stops the JWKS refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
