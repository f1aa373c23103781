// Package lifecycle runs the flows that change what a session authenticates
// as: OAuth authorization with PKCE, password login, API registration and
// logout.
//
// The controller only mutates the *session.Session handle. The caller saves
// it once the flow returns, success or not, so a flow interrupted during an
// IdP call never leaves a half-applied session behind.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/auth"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/logsanitize"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/metrics"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/pkce"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/policy"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

// revokeTimeout bounds the best-effort revocation on logout.
const revokeTimeout = 5 * time.Second

// Flow selects the IdP page an OAuth flow starts on.
type Flow string

const (
	FlowLogin    Flow = "login"
	FlowRegister Flow = "register"
)

// IdentityProvider is the part of the IdP client the controller needs.
type IdentityProvider interface {
	AuthorizeURL(state, challenge string) string
	RegisterURL(state, challenge string) string
	ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*idp.Tokens, error)
	UserByToken(ctx context.Context, accessToken string) (*idp.User, error)
	Login(ctx context.Context, loginID, password string) (*idp.LoginResult, error)
	Register(ctx context.Context, req idp.RegisterRequest) (*idp.LoginResult, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
}

// CallbackParams are the query parameters of the OAuth redirect back to us.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorReason      string
	ErrorDescription string
}

// Controller runs the session lifecycle flows.
type Controller struct {
	idp         IdentityProvider
	sessions    *session.Manager
	policy      *policy.Policy
	mode        auth.Representation
	redirectURI string
}

// New creates a controller. redirectURI must equal the callback URL registered
// with the IdP.
func New(client IdentityProvider, sessions *session.Manager, pol *policy.Policy, mode auth.Representation, redirectURI string) *Controller {
	return &Controller{
		idp:         client,
		sessions:    sessions,
		policy:      pol,
		mode:        mode,
		redirectURI: redirectURI,
	}
}

// StartOAuth begins an authorization attempt: a fresh PKCE pair and state are
// stored in s and the IdP URL to redirect to is returned.
func (c *Controller) StartOAuth(ctx context.Context, s *session.Session, flow Flow) (string, error) {
	pair, err := pkce.New()
	if err != nil {
		return "", &FlowError{Kind: KindUnavailable, Reason: "internal_error", Err: err}
	}
	state, err := pkce.NewState()
	if err != nil {
		return "", &FlowError{Kind: KindUnavailable, Reason: "internal_error", Err: err}
	}

	s.Set(session.KeyCodeVerifier, pair.Verifier)
	s.Set(session.KeyOAuthState, state)

	if flow == FlowRegister {
		return c.idp.RegisterURL(state, pair.Challenge), nil
	}
	return c.idp.AuthorizeURL(state, pair.Challenge), nil
}

// Callback completes an authorization attempt. The session id is rotated and
// any previous credential cleared before anything else, so a failed callback
// leaves an anonymous session under a new id.
func (c *Controller) Callback(ctx context.Context, s *session.Session, p CallbackParams) (*auth.User, error) {
	user, err := c.callback(ctx, s, p)
	record("callback", err)
	return user, err
}

func (c *Controller) callback(ctx context.Context, s *session.Session, p CallbackParams) (*auth.User, error) {
	verifier := s.Get(session.KeyCodeVerifier)
	expectedState := s.Get(session.KeyOAuthState)

	if err := c.sessions.Regenerate(s); err != nil {
		return nil, &FlowError{Kind: KindUnavailable, Reason: "internal_error", Err: err}
	}
	s.Delete(session.KeyCodeVerifier)
	s.Delete(session.KeyOAuthState)
	clearCredentials(s)

	if p.Code == "" {
		reason := reasonOr(p.ErrorReason, reasonOr(p.Error, "missing_code"))
		description := p.ErrorDescription
		if description == "" {
			description = "The identity provider did not return an authorization code."
		}
		return nil, &FlowError{Kind: KindAuth, Reason: reason, Description: description}
	}
	if verifier == "" || expectedState == "" {
		return nil, &FlowError{
			Kind:        KindInvalidRequest,
			Reason:      "no_pending_authorization",
			Description: "No sign-in is in progress for this session. Please start again.",
		}
	}
	if p.State != expectedState {
		return nil, &FlowError{
			Kind:        KindInvalidRequest,
			Reason:      "state_mismatch",
			Description: "The sign-in response does not belong to this session. Please start again.",
		}
	}

	tokens, err := c.idp.ExchangeCode(ctx, p.Code, c.redirectURI, verifier)
	if err != nil {
		return nil, flowError(err)
	}

	user, err := c.idp.UserByToken(ctx, tokens.AccessToken)
	if err != nil {
		return nil, flowError(err)
	}
	return c.establish(s, *tokens, user)
}

// PasswordLogin authenticates with the login API. A failed attempt leaves the
// session exactly as it was.
func (c *Controller) PasswordLogin(ctx context.Context, s *session.Session, loginID, password string) (*auth.User, error) {
	user, err := c.passwordLogin(ctx, s, loginID, password)
	record("login", err)
	return user, err
}

func (c *Controller) passwordLogin(ctx context.Context, s *session.Session, loginID, password string) (*auth.User, error) {
	loginID = strings.TrimSpace(loginID)
	if loginID == "" || password == "" {
		return nil, &FlowError{
			Kind:        KindInvalidRequest,
			Reason:      "missing_credentials",
			Description: "Email and password are required.",
		}
	}

	res, err := c.idp.Login(ctx, loginID, password)
	if err != nil {
		return nil, flowError(err)
	}

	if err := c.sessions.Regenerate(s); err != nil {
		return nil, &FlowError{Kind: KindUnavailable, Reason: "internal_error", Err: err}
	}
	s.Clear()
	return c.establish(s, res.Tokens, &res.User)
}

// Register creates the user and its registration through the API, then signs
// the user in as PasswordLogin would.
func (c *Controller) Register(ctx context.Context, s *session.Session, req idp.RegisterRequest) (*auth.User, error) {
	user, err := c.register(ctx, s, req)
	record("register", err)
	return user, err
}

func (c *Controller) register(ctx context.Context, s *session.Session, req idp.RegisterRequest) (*auth.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return nil, &FlowError{
			Kind:        KindInvalidRequest,
			Reason:      "missing_credentials",
			Description: "Email and password are required.",
		}
	}

	res, err := c.idp.Register(ctx, req)
	if err != nil {
		return nil, flowError(err)
	}

	// Applications without JWT issuance on registration return no tokens.
	if _, ok := c.mode.(auth.TokenMode); ok && res.Tokens.AccessToken == "" {
		res, err = c.idp.Login(ctx, req.Email, req.Password)
		if err != nil {
			return nil, flowError(err)
		}
	}

	if err := c.sessions.Regenerate(s); err != nil {
		return nil, &FlowError{Kind: KindUnavailable, Reason: "internal_error", Err: err}
	}
	s.Clear()
	return c.establish(s, res.Tokens, &res.User)
}

// Logout revokes the session's refresh token and clears the session. The
// revocation is best effort and its failure is only logged; access tokens
// issued before the logout stay valid until they expire, the IdP has no way
// to revoke them.
func (c *Controller) Logout(ctx context.Context, s *session.Session) {
	if rt := s.Get(session.KeyRefreshToken); rt != "" {
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
		defer cancel()
		if err := c.idp.RevokeRefreshToken(revokeCtx, rt); err != nil {
			slog.Warn("failed to revoke refresh token on logout",
				"token", logsanitize.Fingerprint(rt),
				"error", err,
			)
		}
	}
	s.Clear()
	metrics.Flows.WithLabelValues("logout", "success").Inc()
}

// establish applies the registration policy and stores the credential.
func (c *Controller) establish(s *session.Session, tokens idp.Tokens, user *idp.User) (*auth.User, error) {
	if err := c.policy.Check(user.Registrations); err != nil {
		slog.Info("sign-in denied by registration policy", "user_id", user.ID, "reason", err)
		return nil, flowError(err)
	}

	cred, err := c.mode.Credential(tokens, user)
	if err != nil {
		return nil, &FlowError{Kind: KindAuth, Reason: "no_credential", Err: fmt.Errorf("failed to build session credential: %w", err)}
	}
	c.mode.Store(s, cred)

	slog.Info("user signed in", "user_id", user.ID, "mode", c.mode.Name())
	return auth.NewUser(user), nil
}

// clearCredentials removes the fields of every representation.
func clearCredentials(s *session.Session) {
	auth.TokenMode{}.Clear(s)
	auth.UserIDMode{}.Clear(s)
}

func record(flow string, err error) {
	result := "success"
	var fe *FlowError
	switch {
	case errors.As(err, &fe):
		result = string(fe.Kind)
	case err != nil:
		result = "error"
	}
	metrics.Flows.WithLabelValues(flow, result).Inc()
}
