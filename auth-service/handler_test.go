package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/roomchat/pkg/mediatoken"
	"github.com/example/roomchat/pkg/natstest"
	"github.com/example/roomchat/pkg/ratelimit"
	"github.com/example/roomchat/pkg/realip"
)

type fakeCreds struct {
	users map[string]string // username -> password
	image map[string]string
}

func (f *fakeCreds) Lookup(_ context.Context, username string) (string, string, error) {
	password, ok := f.users[username]
	if !ok {
		return "", "", ErrUnknownUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", "", err
	}
	return string(hash), f.image[username], nil
}

func newTestHandler(t *testing.T, limit int, window time.Duration) *AuthHandler {
	t.Helper()
	_, nc := natstest.RunServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	limiter, err := ratelimit.New(js, ratelimit.Config{
		Rules: map[string]ratelimit.Rule{
			ratelimit.ActionLogin: {Limit: limit, Window: window},
		},
	})
	require.NoError(t, err)

	resolver, err := realip.NewResolver(nil)
	require.NoError(t, err)

	cfg := Config{TokenSecret: "test-token-secret", TokenTTL: time.Hour}
	creds := &fakeCreds{
		users: map[string]string{"ada": "correct horse"},
		image: map[string]string{"ada": "avatars/ada.png"},
	}
	return NewAuthHandler(cfg, creds, limiter, resolver, mediatoken.New("media-secret", 0, ""))
}

func postLogin(t *testing.T, h *AuthHandler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username":"` + username + `","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:40000"
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestLoginSuccess(t *testing.T) {
	h := newTestHandler(t, 10, time.Minute)

	rec := postLogin(t, h, "ada", "correct horse")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ada", resp.Username)
	assert.NotEmpty(t, resp.Token)
	assert.Contains(t, resp.ProfileImage, mediatoken.MediaRoute)
	assert.Contains(t, resp.ProfileImage, "sig=")
}

func TestLoginBadCredentials(t *testing.T) {
	h := newTestHandler(t, 10, time.Minute)

	for _, attempt := range []struct{ user, pass string }{
		{"ada", "wrong"},
		{"nobody", "whatever"},
	} {
		rec := postLogin(t, h, attempt.user, attempt.pass)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp struct {
			Errors map[string]string `json:"errors"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Errors, "credentials")
	}
}

func TestLoginMissingFields(t *testing.T) {
	h := newTestHandler(t, 10, time.Minute)

	rec := postLogin(t, h, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{not json"))
	req.RemoteAddr = "203.0.113.9:40000"
	out := httptest.NewRecorder()
	h.Routes().ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

// With limit=1 per 60s, the first bad attempt answers 400 and the second is
// rejected by the limiter, not the credential check.
func TestLoginRateLimitConcreteCase(t *testing.T) {
	h := newTestHandler(t, 1, time.Minute)

	rec := postLogin(t, h, "ada", "wrong")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postLogin(t, h, "ada", "wrong")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var resp struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Too many attempts. Try again soon.", resp.Detail)

	// Even correct credentials are refused while the window holds.
	rec = postLogin(t, h, "ada", "correct horse")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMeAndLogout(t *testing.T) {
	h := newTestHandler(t, 10, time.Minute)

	rec := postLogin(t, h, "ada", "correct horse")
	require.Equal(t, http.StatusOK, rec.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out := httptest.NewRecorder()
	h.Routes().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	var me map[string]string
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &me))
	assert.Equal(t, "ada", me["username"])
	assert.Contains(t, me["profileImage"], "avatars/ada.png")

	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out = httptest.NewRecorder()
	h.Routes().ServeHTTP(out, req)
	assert.Equal(t, http.StatusNoContent, out.Code)

	// No token, no logout confirmation.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	out = httptest.NewRecorder()
	h.Routes().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}
