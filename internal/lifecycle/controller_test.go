package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/auth"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/pkce"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/policy"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

const (
	appID       = "3c219e58-ed0e-4b18-ad48-f4f92793ae32"
	userID      = "00000000-0000-0001-0000-000000000001"
	redirectURI = "http://localhost:8000/oauth-callback"
	password    = "correct horse"
)

// fakeIdP checks PKCE and redirect URIs the way FusionAuth does and records
// which endpoints were called.
type fakeIdP struct {
	mu         sync.Mutex
	challenges map[string]string // code -> challenge
	user       idp.User
	revokeErr  error

	exchanges int
	logins    int
	revoked   []string
}

func newFakeIdP() *fakeIdP {
	return &fakeIdP{
		challenges: make(map[string]string),
		user: idp.User{
			ID:            userID,
			Active:        true,
			Email:         "user@example.com",
			Registrations: []idp.Registration{{ApplicationID: appID}},
		},
	}
}

// approve simulates the user signing in at the IdP for the authorize URL
// returned by StartOAuth, and returns the code the IdP would redirect with.
func (f *fakeIdP) approve(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	code = "code-" + u.Query().Get("state")[:8]
	f.challenges[code] = u.Query().Get("code_challenge")
	return code, u.Query().Get("state")
}

func (f *fakeIdP) AuthorizeURL(state, challenge string) string {
	return "https://idp.example.com/oauth2/authorize?" + url.Values{"state": {state}, "code_challenge": {challenge}}.Encode()
}

func (f *fakeIdP) RegisterURL(state, challenge string) string {
	return "https://idp.example.com/oauth2/register?" + url.Values{"state": {state}, "code_challenge": {challenge}}.Encode()
}

func (f *fakeIdP) ExchangeCode(_ context.Context, code, redirect, verifier string) (*idp.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++

	challenge, ok := f.challenges[code]
	if !ok {
		return nil, &idp.ExchangeError{Reason: "invalid_grant", Description: "The authorization code is invalid."}
	}
	delete(f.challenges, code)
	if redirect != redirectURI {
		return nil, &idp.ExchangeError{Reason: "invalid_request", Description: "Invalid redirect_uri."}
	}
	if !pkce.Verify(verifier, challenge) {
		return nil, &idp.ExchangeError{Reason: "invalid_grant", Description: "The code_verifier is invalid."}
	}
	return &idp.Tokens{AccessToken: "at-" + code, RefreshToken: "rt-" + code}, nil
}

func (f *fakeIdP) UserByToken(context.Context, string) (*idp.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.user
	return &u, nil
}

func (f *fakeIdP) Login(_ context.Context, loginID, pw string) (*idp.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++

	switch {
	case loginID == "locked@example.com":
		return nil, &idp.LoginStatusError{Status: idp.LoginLocked}
	case loginID == "down@example.com":
		return nil, errors.New("connection refused")
	case loginID != f.user.Email || pw != password:
		return nil, &idp.AuthError{Op: "login", Reason: "invalid_credentials"}
	}
	return &idp.LoginResult{
		Tokens: idp.Tokens{AccessToken: "at-login", RefreshToken: "rt-login"},
		User:   f.user,
	}, nil
}

func (f *fakeIdP) Register(_ context.Context, req idp.RegisterRequest) (*idp.LoginResult, error) {
	if req.Email == f.user.Email {
		return nil, &idp.ValidationError{Op: "register", Messages: []string{"A User with this email already exists."}}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user.Email = req.Email
	return &idp.LoginResult{
		Tokens: idp.Tokens{AccessToken: "at-registered", RefreshToken: "rt-registered"},
		User:   f.user,
	}, nil
}

func (f *fakeIdP) RevokeRefreshToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return f.revokeErr
}

type harness struct {
	idp      *fakeIdP
	store    *session.FileStore
	sessions *session.Manager
	ctrl     *Controller
	resolver *auth.Resolver
}

// resolverUsers serves the resolver from the fake's user record.
type resolverUsers struct{ f *fakeIdP }

func (r resolverUsers) UserByToken(ctx context.Context, at string) (*idp.User, error) {
	if at == "" {
		return nil, &idp.AuthError{Op: "user_by_token"}
	}
	return r.f.UserByToken(ctx, at)
}

func (r resolverUsers) UserByID(ctx context.Context, id string) (*idp.User, error) {
	if id != userID {
		return nil, &idp.NotFoundError{Op: "user_by_id"}
	}
	return r.f.UserByToken(ctx, "")
}

func (r resolverUsers) Refresh(context.Context, string) (*idp.Tokens, error) {
	return nil, &idp.AuthError{Op: "refresh"}
}

func newHarness(t *testing.T, mode auth.Representation) *harness {
	t.Helper()
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	sessions := session.NewManager(store, time.Hour, "0123456789abcdef-secret", session.CookieOptions{
		Name:     "session_id",
		SameSite: http.SameSiteLaxMode,
	})
	f := newFakeIdP()
	pol := policy.New(appID, "")
	return &harness{
		idp:      f,
		store:    store,
		sessions: sessions,
		ctrl:     New(f, sessions, pol, mode, redirectURI),
		resolver: auth.NewResolver(resolverUsers{f}, pol, mode),
	}
}

// persisted saves s and returns a fresh handle loaded through its cookie, as
// the next request would see it.
func (h *harness) persisted(t *testing.T, s *session.Session, cookies []*http.Cookie) (*session.Session, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, h.sessions.Save(context.Background(), rec, s))
	if set := rec.Result().Cookies(); len(set) > 0 {
		cookies = set
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	next, err := h.sessions.Load(req)
	require.NoError(t, err)
	return next, cookies
}

func requireFlowError(t *testing.T, err error, kind ErrorKind) *FlowError {
	t.Helper()
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, kind, fe.Kind)
	return fe
}

func TestStartOAuth(t *testing.T) {
	h := newHarness(t, auth.TokenMode{})
	s, err := h.sessions.New()
	require.NoError(t, err)

	authURL, err := h.ctrl.StartOAuth(context.Background(), s, FlowLogin)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/authorize", u.Path)
	assert.Equal(t, s.Get(session.KeyOAuthState), u.Query().Get("state"))
	assert.True(t, pkce.Verify(s.Get(session.KeyCodeVerifier), u.Query().Get("code_challenge")))

	// A second attempt never reuses the verifier.
	first := s.Get(session.KeyCodeVerifier)
	registerURL, err := h.ctrl.StartOAuth(context.Background(), s, FlowRegister)
	require.NoError(t, err)
	assert.NotEqual(t, first, s.Get(session.KeyCodeVerifier))

	u, err = url.Parse(registerURL)
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/register", u.Path)
}

func TestCallbackSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s, err := h.sessions.New()
	require.NoError(t, err)
	authURL, err := h.ctrl.StartOAuth(ctx, s, FlowLogin)
	require.NoError(t, err)
	s, cookies := h.persisted(t, s, nil)
	preCallbackID := s.ID()

	code, state := h.idp.approve(t, authURL)
	user, err := h.ctrl.Callback(ctx, s, CallbackParams{Code: code, State: state})
	require.NoError(t, err)
	assert.Equal(t, userID, user.UserID)

	assert.NotEqual(t, preCallbackID, s.ID())
	assert.Empty(t, s.Get(session.KeyCodeVerifier))
	assert.Empty(t, s.Get(session.KeyOAuthState))
	assert.Equal(t, "at-"+code, s.Get(session.KeyAccessToken))
	assert.Equal(t, "rt-"+code, s.Get(session.KeyRefreshToken))

	next, newCookies := h.persisted(t, s, cookies)
	assert.False(t, h.store.Exists(ctx, preCallbackID))
	assert.True(t, h.resolver.Resolve(ctx, next).Identity.IsAuthenticated())

	// The pre-callback cookie no longer resolves to anything.
	stale, _ := h.persisted(t, mustNew(t, h), cookies)
	assert.NotEqual(t, next.ID(), stale.ID())
	assert.False(t, h.resolver.Resolve(ctx, stale).Identity.IsAuthenticated())
	assert.NotEqual(t, cookies[0].Value, newCookies[0].Value)

	// Replaying the callback against the new session fails: the verifier is gone.
	_, err = h.ctrl.Callback(ctx, next, CallbackParams{Code: code, State: state})
	requireFlowError(t, err, KindInvalidRequest)
}

func mustNew(t *testing.T, h *harness) *session.Session {
	t.Helper()
	s, err := h.sessions.New()
	require.NoError(t, err)
	return s
}

func TestCallbackMissingCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s := mustNew(t, h)
	s.Set(session.KeyAccessToken, "at-previous")
	_, err := h.ctrl.StartOAuth(ctx, s, FlowLogin)
	require.NoError(t, err)
	s, _ = h.persisted(t, s, nil)
	oldID := s.ID()

	_, err = h.ctrl.Callback(ctx, s, CallbackParams{
		ErrorReason:      "access_denied",
		ErrorDescription: "The user cancelled the login.",
	})
	fe := requireFlowError(t, err, KindAuth)
	assert.Equal(t, "access_denied", fe.Reason)
	assert.Equal(t, "The user cancelled the login.", fe.Description)

	assert.Equal(t, 0, h.idp.exchanges)
	assert.NotEqual(t, oldID, s.ID())
	assert.Empty(t, s.Get(session.KeyAccessToken))
	assert.Empty(t, s.Get(session.KeyCodeVerifier))
}

func TestCallbackMissingCodeWithoutReason(t *testing.T) {
	h := newHarness(t, auth.TokenMode{})
	_, err := h.ctrl.Callback(context.Background(), mustNew(t, h), CallbackParams{})
	fe := requireFlowError(t, err, KindAuth)
	assert.Equal(t, "missing_code", fe.Reason)
	assert.NotEmpty(t, fe.Description)
	assert.Equal(t, 0, h.idp.exchanges)
}

func TestCallbackStateMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s := mustNew(t, h)
	authURL, err := h.ctrl.StartOAuth(ctx, s, FlowLogin)
	require.NoError(t, err)
	code, _ := h.idp.approve(t, authURL)

	_, err = h.ctrl.Callback(ctx, s, CallbackParams{Code: code, State: "forged"})
	fe := requireFlowError(t, err, KindInvalidRequest)
	assert.Equal(t, "state_mismatch", fe.Reason)
	assert.Equal(t, 0, h.idp.exchanges)
}

func TestCallbackMismatchedVerifier(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s := mustNew(t, h)
	authURL, err := h.ctrl.StartOAuth(ctx, s, FlowLogin)
	require.NoError(t, err)
	code, state := h.idp.approve(t, authURL)

	// The session now holds a verifier from a different attempt.
	other, err := pkce.New()
	require.NoError(t, err)
	s.Set(session.KeyCodeVerifier, other.Verifier)
	s, cookies := h.persisted(t, s, nil)

	_, err = h.ctrl.Callback(ctx, s, CallbackParams{Code: code, State: state})
	fe := requireFlowError(t, err, KindExchange)
	assert.Equal(t, "invalid_grant", fe.Reason)
	var exErr *idp.ExchangeError
	assert.ErrorAs(t, err, &exErr)

	assert.Empty(t, s.Get(session.KeyAccessToken))
	assert.Empty(t, s.Get(session.KeyRefreshToken))

	next, _ := h.persisted(t, s, cookies)
	assert.False(t, h.resolver.Resolve(ctx, next).Identity.IsAuthenticated())
}

func TestCallbackRegistrationDenied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})
	h.idp.user.Registrations = []idp.Registration{{ApplicationID: appID, Roles: []string{"deactivated"}}}

	s := mustNew(t, h)
	authURL, err := h.ctrl.StartOAuth(ctx, s, FlowLogin)
	require.NoError(t, err)
	code, state := h.idp.approve(t, authURL)

	_, err = h.ctrl.Callback(ctx, s, CallbackParams{Code: code, State: state})
	fe := requireFlowError(t, err, KindRegistrationDenied)
	assert.Equal(t, policy.ReasonDeactivated, fe.Reason)
	assert.Empty(t, s.Get(session.KeyAccessToken))
}

func TestPasswordLoginWrongPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s := mustNew(t, h)
	s.Set(session.KeyCodeVerifier, "pending")
	s, _ = h.persisted(t, s, nil)
	id := s.ID()
	before := h.store.Read(ctx, id)

	_, err := h.ctrl.PasswordLogin(ctx, s, "user@example.com", "wrong")
	requireFlowError(t, err, KindAuth)

	assert.Equal(t, id, s.ID())
	assert.False(t, s.Modified())
	assert.Equal(t, before, h.store.Read(ctx, id))
}

func TestPasswordLoginRotatesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s := mustNew(t, h)
	s.Set(session.KeyCodeVerifier, "pending")
	s, oldCookies := h.persisted(t, s, nil)
	oldID := s.ID()

	user, err := h.ctrl.PasswordLogin(ctx, s, " user@example.com ", password)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)
	assert.NotEqual(t, oldID, s.ID())
	assert.Equal(t, session.Data{
		session.KeyAccessToken:  "at-login",
		session.KeyRefreshToken: "rt-login",
	}, s.Values())

	next, _ := h.persisted(t, s, oldCookies)
	assert.True(t, h.resolver.Resolve(ctx, next).Identity.IsAuthenticated())

	// The pre-login id is gone.
	assert.False(t, h.store.Exists(ctx, oldID))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range oldCookies {
		req.AddCookie(c)
	}
	stale, err := h.sessions.Load(req)
	require.NoError(t, err)
	assert.True(t, stale.IsNew())
	assert.False(t, h.resolver.Resolve(ctx, stale).Identity.IsAuthenticated())
}

func TestPasswordLoginUserIDMode(t *testing.T) {
	h := newHarness(t, auth.UserIDMode{})
	s := mustNew(t, h)

	_, err := h.ctrl.PasswordLogin(context.Background(), s, "user@example.com", password)
	require.NoError(t, err)
	assert.Equal(t, session.Data{session.KeyUserID: userID}, s.Values())
}

func TestPasswordLoginFailures(t *testing.T) {
	tests := []struct {
		name     string
		loginID  string
		password string
		kind     ErrorKind
		reason   string
		logins   int
	}{
		{"missing password", "user@example.com", "", KindInvalidRequest, "missing_credentials", 0},
		{"missing login id", "  ", password, KindInvalidRequest, "missing_credentials", 0},
		{"locked account", "locked@example.com", password, KindAuth, "login_status_409", 1},
		{"idp down", "down@example.com", password, KindUnavailable, "service_unavailable", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, auth.TokenMode{})
			s := mustNew(t, h)
			id := s.ID()

			_, err := h.ctrl.PasswordLogin(context.Background(), s, tt.loginID, tt.password)
			fe := requireFlowError(t, err, tt.kind)
			assert.Equal(t, tt.reason, fe.Reason)
			assert.Equal(t, tt.logins, h.idp.logins)
			assert.Equal(t, id, s.ID())
			assert.False(t, s.Modified())
		})
	}
}

func TestPasswordLoginUnregistered(t *testing.T) {
	h := newHarness(t, auth.TokenMode{})
	h.idp.user.Registrations = []idp.Registration{{ApplicationID: "other-app"}}
	s := mustNew(t, h)
	s.Set(session.KeyAccessToken, "at-stale")

	_, err := h.ctrl.PasswordLogin(context.Background(), s, "user@example.com", password)
	fe := requireFlowError(t, err, KindRegistrationDenied)
	assert.Equal(t, policy.ReasonNotRegistered, fe.Reason)
	assert.NotEmpty(t, fe.Description)
	assert.Empty(t, s.Values())
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, auth.TokenMode{})

	s := mustNew(t, h)
	user, err := h.ctrl.Register(ctx, s, idp.RegisterRequest{Email: "new@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email)
	assert.Equal(t, "at-registered", s.Get(session.KeyAccessToken))

	_, err = h.ctrl.Register(ctx, mustNew(t, h), idp.RegisterRequest{Email: "new@example.com", Password: "s3cret-pass"})
	fe := requireFlowError(t, err, KindInvalidRequest)
	assert.Contains(t, fe.Description, "already exists")

	_, err = h.ctrl.Register(ctx, mustNew(t, h), idp.RegisterRequest{Email: "x@example.com"})
	requireFlowError(t, err, KindInvalidRequest)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes refresh token", func(t *testing.T) {
		h := newHarness(t, auth.TokenMode{})
		s := mustNew(t, h)
		s.Set(session.KeyAccessToken, "at")
		s.Set(session.KeyRefreshToken, "rt")

		h.ctrl.Logout(ctx, s)
		assert.Equal(t, []string{"rt"}, h.idp.revoked)
		assert.Empty(t, s.Values())
	})

	t.Run("revocation failure is ignored", func(t *testing.T) {
		h := newHarness(t, auth.TokenMode{})
		h.idp.revokeErr = errors.New("idp unavailable")
		s := mustNew(t, h)
		s.Set(session.KeyRefreshToken, "rt")

		h.ctrl.Logout(ctx, s)
		assert.Empty(t, s.Values())
	})

	t.Run("nothing to revoke", func(t *testing.T) {
		h := newHarness(t, auth.UserIDMode{})
		s := mustNew(t, h)
		s.Set(session.KeyUserID, userID)

		h.ctrl.Logout(ctx, s)
		assert.Empty(t, h.idp.revoked)
		assert.Empty(t, s.Values())
	})
}
