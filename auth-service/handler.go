package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/roomchat/pkg/identity"
	"github.com/example/roomchat/pkg/mediatoken"
	"github.com/example/roomchat/pkg/ratelimit"
	"github.com/example/roomchat/pkg/realip"
)

// ErrUnknownUser is returned by a CredentialStore for usernames that do not
// exist. Handlers fold it into the same response as a bad password.
var ErrUnknownUser = errors.New("unknown user")

// A well-formed hash compared against on unknown usernames, so lookup misses
// take as long as password mismatches.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// CredentialStore looks up stored login material for a username.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (passwordHash, profileImage string, err error)
}

type dbCredentialStore struct {
	db *sql.DB
}

func (s *dbCredentialStore) Lookup(ctx context.Context, username string) (string, string, error) {
	var hash string
	var image sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, profile_image FROM users WHERE username = $1`,
		username,
	).Scan(&hash, &image)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrUnknownUser
	}
	if err != nil {
		return "", "", err
	}
	return hash, image.String, nil
}

// AuthHandler serves the login API. Sessions are stateless JWTs, so logout is
// a client-side discard and the server only confirms it.
type AuthHandler struct {
	cfg      Config
	creds    CredentialStore
	limiter  *ratelimit.Limiter
	resolver *realip.Resolver
	signer   *mediatoken.Signer
	verifier identity.Verifier

	loginCounter metric.Int64Counter
}

func NewAuthHandler(cfg Config, creds CredentialStore, limiter *ratelimit.Limiter, resolver *realip.Resolver, signer *mediatoken.Signer) *AuthHandler {
	meter := otel.Meter("auth-service")
	loginCounter, _ := meter.Int64Counter("auth_login_attempts_total")

	return &AuthHandler{
		cfg:          cfg,
		creds:        creds,
		limiter:      limiter,
		resolver:     resolver,
		signer:       signer,
		verifier:     identity.NewHMACVerifier(cfg.TokenSecret),
		loginCounter: loginCounter,
	}
}

func (h *AuthHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)
	mux.HandleFunc("GET /api/auth/me", h.handleMe)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string `json:"token"`
	Username     string `json:"username"`
	ProfileImage string `json:"profileImage,omitempty"`
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := h.resolver.FromRequest(r)

	// The budget is consumed up front: failed attempts count, which is the
	// whole point of limiting logins by IP.
	if !h.limiter.Allow(ratelimit.ActionLogin, ip) {
		h.loginCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", "rate_limited")))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"detail": "Too many attempts. Try again soon.",
		})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "body", "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeErrors(w, http.StatusBadRequest, "credentials", "username and password are required")
		return
	}

	hash, image, err := h.creds.Lookup(r.Context(), req.Username)
	switch {
	case errors.Is(err, ErrUnknownUser):
		// Burn a compare anyway so unknown usernames cost the same as wrong
		// passwords.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		h.rejectCredentials(w, r, req.Username)
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "Credential lookup failed", "username", req.Username, "error", err)
		writeErrors(w, http.StatusInternalServerError, "server", "temporary failure, try again")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		h.rejectCredentials(w, r, req.Username)
		return
	}

	token, err := identity.NewToken(h.cfg.TokenSecret, req.Username, image, tokenTTLOrDefault(h.cfg.TokenTTL))
	if err != nil {
		slog.ErrorContext(r.Context(), "Token signing failed", "username", req.Username, "error", err)
		writeErrors(w, http.StatusInternalServerError, "server", "temporary failure, try again")
		return
	}

	h.loginCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", "ok")))
	slog.InfoContext(r.Context(), "Login", "username", req.Username, "ip", ip)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:        token,
		Username:     req.Username,
		ProfileImage: h.signer.ProfileURL(r, image),
	})
}

func (h *AuthHandler) rejectCredentials(w http.ResponseWriter, r *http.Request, username string) {
	h.loginCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", "rejected")))
	slog.InfoContext(r.Context(), "Login rejected", "username", username)
	writeErrors(w, http.StatusBadRequest, "credentials", "invalid username or password")
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.claimsFromRequest(r) == nil {
		writeErrors(w, http.StatusUnauthorized, "token", "authentication required")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := h.claimsFromRequest(r)
	if claims == nil {
		writeErrors(w, http.StatusUnauthorized, "token", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"username":     claims.Username,
		"profileImage": h.signer.ProfileURL(r, claims.Picture),
	})
}

func (h *AuthHandler) claimsFromRequest(r *http.Request) *identity.Claims {
	token := identity.TokenFromRequest(r)
	if token == "" {
		return nil
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return nil
	}
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, field, msg string) {
	writeJSON(w, status, map[string]any{"errors": map[string]string{field: msg}})
}

// tokenTTLOrDefault is kept for tests that build a handler without loadConfig.
func tokenTTLOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 12 * time.Hour
	}
	return d
}
