package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/pkce"
)

const (
	testClientID     = "3c219e58-ed0e-4b18-ad48-f4f92793ae32"
	testClientSecret = "client-secret"
	testAPIKey       = "api-key"
	testUserID       = "00000000-0000-0001-0000-000000000001"
	testRedirectURI  = "http://localhost:8000/oauth-callback"
)

// fakeFusionAuth is a minimal FusionAuth: one user, one application, PKCE
// authorization codes and refresh tokens.
type fakeFusionAuth struct {
	t *testing.T

	mu         sync.Mutex
	codes      map[string]pendingCode // code -> authorize request
	refresh    map[string]bool        // live refresh tokens
	access     map[string]bool        // live access tokens
	revoked    []string
	tokenCalls int
	password   string
	user       User
}

type pendingCode struct {
	challenge   string
	redirectURI string
}

func newFakeFusionAuth(t *testing.T) (*fakeFusionAuth, *httptest.Server) {
	t.Helper()
	f := &fakeFusionAuth{
		t:        t,
		codes:    make(map[string]pendingCode),
		refresh:  map[string]bool{"rt-1": true},
		access:   map[string]bool{"at-1": true},
		password: "correct horse",
		user: User{
			ID:            testUserID,
			Active:        true,
			Email:         "user@example.com",
			FirstName:     "Test",
			InsertInstant: 1700000000000,
			Registrations: []Registration{{ApplicationID: testClientID}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", f.token)
	mux.HandleFunc("POST /api/login", f.login)
	mux.HandleFunc("GET /api/user", f.userByToken)
	mux.HandleFunc("GET /api/user/{id}", f.userByID)
	mux.HandleFunc("POST /api/user/registration", f.register)
	mux.HandleFunc("DELETE /api/jwt/refresh", f.revoke)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

// authorize records what the authorize endpoint would have stored for code.
func (f *fakeFusionAuth) authorize(code, challenge, redirectURI string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = pendingCode{challenge: challenge, redirectURI: redirectURI}
}

func (f *fakeFusionAuth) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (f *fakeFusionAuth) oauthError(w http.ResponseWriter, code, description string) {
	f.writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (f *fakeFusionAuth) issue(w http.ResponseWriter, n int) {
	at := "at-" + string(rune('a'+n))
	rt := "rt-" + string(rune('a'+n))
	f.access[at] = true
	f.refresh[rt] = true
	f.writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  at,
		"refresh_token": rt,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (f *fakeFusionAuth) token(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	id, secret, ok := r.BasicAuth()
	if !ok || id != testClientID || secret != testClientSecret {
		f.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		f.oauthError(w, "invalid_request", err.Error())
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		pending, ok := f.codes[r.PostForm.Get("code")]
		if !ok {
			f.oauthError(w, "invalid_grant", "The authorization code is invalid or expired.")
			return
		}
		delete(f.codes, r.PostForm.Get("code"))
		if r.PostForm.Get("redirect_uri") != pending.redirectURI {
			f.oauthError(w, "invalid_request", "Invalid redirect_uri.")
			return
		}
		if !pkce.Verify(r.PostForm.Get("code_verifier"), pending.challenge) {
			f.oauthError(w, "invalid_grant", "The code_verifier is invalid.")
			return
		}
		f.issue(w, f.tokenCalls)
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if !f.refresh[rt] {
			f.oauthError(w, "invalid_grant", "The refresh token is invalid or expired.")
			return
		}
		f.issue(w, f.tokenCalls)
	default:
		f.oauthError(w, "unsupported_grant_type", "")
	}
}

func (f *fakeFusionAuth) login(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != testAPIKey {
		f.writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	switch {
	case req.LoginID == "locked@example.com":
		f.writeJSON(w, LoginLocked, nil)
	case req.LoginID != f.user.Email || req.Password != f.password:
		f.writeJSON(w, http.StatusNotFound, nil)
	default:
		f.writeJSON(w, http.StatusOK, map[string]any{
			"token":                  "at-login",
			"refreshToken":           "rt-login",
			"tokenExpirationInstant": 1700003600000,
			"user":                   f.user,
		})
	}
}

func (f *fakeFusionAuth) userByToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !f.access[token] {
		f.writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"user": f.user})
}

func (f *fakeFusionAuth) userByID(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != testAPIKey {
		f.writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	if r.PathValue("id") != f.user.ID {
		f.writeJSON(w, http.StatusNotFound, nil)
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"user": f.user})
}

func (f *fakeFusionAuth) register(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	if req.User.Email == f.user.Email {
		f.writeJSON(w, http.StatusBadRequest, map[string]any{
			"fieldErrors": map[string]any{
				"user.email": []map[string]string{{
					"code":    "[duplicate]user.email",
					"message": "A User with email = [user@example.com] already exists.",
				}},
			},
		})
		return
	}
	u := User{
		ID:            "00000000-0000-0001-0000-000000000002",
		Active:        true,
		Email:         req.User.Email,
		Registrations: []Registration{req.Registration},
	}
	f.writeJSON(w, http.StatusOK, map[string]any{
		"token":        "at-new",
		"refreshToken": "rt-new",
		"user":         u,
	})
}

func (f *fakeFusionAuth) revoke(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	switch {
	case q.Get("token") != "":
		if !f.refresh[q.Get("token")] {
			f.writeJSON(w, http.StatusNotFound, nil)
			return
		}
		delete(f.refresh, q.Get("token"))
		f.revoked = append(f.revoked, q.Get("token"))
	case q.Get("applicationId") != "":
		f.refresh = map[string]bool{}
		f.revoked = append(f.revoked, "app:"+q.Get("applicationId"))
	}
	f.writeJSON(w, http.StatusOK, nil)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(context.Background(), &config.IdPConfig{
		BaseURL:       baseURL,
		APIKey:        testAPIKey,
		ClientID:      testClientID,
		ClientSecret:  testClientSecret,
		ApplicationID: testClientID,
		RedirectURI:   testRedirectURI,
		Scopes:        []string{"openid", "offline_access"},
		Timeout:       5,
	})
	require.NoError(t, err)
	return c
}

func TestAuthorizeAndRegisterURL(t *testing.T) {
	_, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)

	pair, err := pkce.New()
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		raw  string
		path string
	}{
		{"authorize", c.AuthorizeURL("state-1", pair.Challenge), "/oauth2/authorize"},
		{"register", c.RegisterURL("state-1", pair.Challenge), "/oauth2/register"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.path, u.Path)

			q := u.Query()
			assert.Equal(t, testClientID, q.Get("client_id"))
			assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
			assert.Equal(t, "code", q.Get("response_type"))
			assert.Equal(t, "state-1", q.Get("state"))
			assert.Equal(t, pair.Challenge, q.Get("code_challenge"))
			assert.Equal(t, "S256", q.Get("code_challenge_method"))
			assert.Equal(t, "openid offline_access", q.Get("scope"))
		})
	}
}

func TestExchangeCode(t *testing.T) {
	f, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	pair, err := pkce.New()
	require.NoError(t, err)
	f.authorize("code-1", pair.Challenge, testRedirectURI)

	tokens, err := c.ExchangeCode(ctx, "code-1", testRedirectURI, pair.Verifier)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.False(t, tokens.Expiry.IsZero())

	// Codes are single use.
	_, err = c.ExchangeCode(ctx, "code-1", testRedirectURI, pair.Verifier)
	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "invalid_grant", exErr.Reason)
}

func TestExchangeCodeRejectsMismatchedVerifier(t *testing.T) {
	f, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)

	pair, err := pkce.New()
	require.NoError(t, err)
	other, err := pkce.New()
	require.NoError(t, err)
	f.authorize("code-1", pair.Challenge, testRedirectURI)

	_, err = c.ExchangeCode(context.Background(), "code-1", testRedirectURI, other.Verifier)
	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "invalid_grant", exErr.Reason)
	assert.True(t, IsCredentialRejected(err))
}

func TestExchangeCodeRedirectURIMustMatchExactly(t *testing.T) {
	f, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)

	pair, err := pkce.New()
	require.NoError(t, err)
	f.authorize("code-1", pair.Challenge, testRedirectURI)

	_, err = c.ExchangeCode(context.Background(), "code-1", testRedirectURI+"/", pair.Verifier)
	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "invalid_request", exErr.Reason)
	assert.Contains(t, exErr.Description, "redirect_uri")
}

func TestRefresh(t *testing.T) {
	_, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	tokens, err := c.Refresh(ctx, "rt-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEqual(t, "rt-1", tokens.RefreshToken)

	user, err := c.UserByToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUserID, user.ID)

	_, err = c.Refresh(ctx, "rt-unknown")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "invalid_grant", authErr.Reason)
}

func TestLogin(t *testing.T) {
	_, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		res, err := c.Login(ctx, "user@example.com", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, "at-login", res.Tokens.AccessToken)
		assert.Equal(t, "rt-login", res.Tokens.RefreshToken)
		assert.Equal(t, testUserID, res.User.ID)
		assert.Equal(t, Instant(1700003600000), res.Tokens.Expiry)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := c.Login(ctx, "user@example.com", "wrong")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.True(t, IsCredentialRejected(err))
	})

	t.Run("locked", func(t *testing.T) {
		_, err := c.Login(ctx, "locked@example.com", "whatever")
		var statusErr *LoginStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, LoginLocked, statusErr.Status)
		assert.Equal(t, "the account is locked", statusErr.Reason())
	})
}

func TestUserLookups(t *testing.T) {
	_, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	user, err := c.UserByToken(ctx, "at-1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)
	require.Len(t, user.Registrations, 1)
	assert.Equal(t, testClientID, user.Registrations[0].ApplicationID)

	_, err = c.UserByToken(ctx, "at-expired")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	user, err = c.UserByID(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, testUserID, user.ID)

	_, err = c.UserByID(ctx, "00000000-0000-0001-0000-000000000099")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = c.UserByID(ctx, "../../api/system")
	require.ErrorAs(t, err, &notFound)
}

func TestRegister(t *testing.T) {
	_, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	res, err := c.Register(ctx, RegisterRequest{Email: "new@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.Equal(t, "at-new", res.Tokens.AccessToken)
	require.Len(t, res.User.Registrations, 1)
	assert.Equal(t, testClientID, res.User.Registrations[0].ApplicationID)

	_, err = c.Register(ctx, RegisterRequest{Email: "user@example.com", Password: "s3cret-pass"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Messages, 1)
	assert.Contains(t, verr.Messages[0], "already exists")
	assert.False(t, IsCredentialRejected(err))
}

func TestRevoke(t *testing.T) {
	f, ts := newFakeFusionAuth(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	require.NoError(t, c.RevokeRefreshToken(ctx, "rt-1"))
	// Revoking twice is not an error.
	require.NoError(t, c.RevokeRefreshToken(ctx, "rt-1"))
	require.NoError(t, c.RevokeApplication(ctx))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"rt-1", "app:" + testClientID}, f.revoked)
}

func TestUnavailableIdPIsNotARejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.UserByToken(ctx, "at-1")
	require.Error(t, err)
	assert.False(t, IsCredentialRejected(err))

	_, err = c.Refresh(ctx, "rt-1")
	require.Error(t, err)
	assert.False(t, IsCredentialRejected(err))

	ts.Close()
	_, err = c.UserByID(ctx, testUserID)
	require.Error(t, err)
	assert.False(t, IsCredentialRejected(err))
}
