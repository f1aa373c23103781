// Package idp is the client for the FusionAuth identity provider: the OAuth2
// authorize and token endpoints plus the login, user, registration and refresh
// token APIs.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/metrics"
)

// maxResponseSize bounds how much of an API response is read.
const maxResponseSize = 1 << 20

// Client calls FusionAuth on behalf of one application. It holds no per-user
// state and is safe for concurrent use.
type Client struct {
	baseURL       *url.URL
	apiKey        string
	applicationID string
	httpClient    *http.Client
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
}

// New creates a client for the configured application. When an issuer is set the
// OAuth2 endpoints come from OIDC discovery; otherwise they are derived from the
// base URL. id_tokens returned by the token endpoint are verified either way.
func New(ctx context.Context, cfg *config.IdPConfig) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid idp base URL: %w", err)
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	// Discovery and the key set outlive the caller's context.
	oidcCtx := oidc.ClientContext(context.WithoutCancel(ctx), httpClient)

	endpoint := oauth2.Endpoint{
		AuthURL:  baseURL.JoinPath("oauth2", "authorize").String(),
		TokenURL: baseURL.JoinPath("oauth2", "token").String(),
	}
	var verifier *oidc.IDTokenVerifier
	oidcConfig := &oidc.Config{ClientID: cfg.ClientID}

	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(oidcCtx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		endpoint = provider.Endpoint()
		verifier = provider.Verifier(oidcConfig)
	} else {
		// Without discovery the issuer is unknown; signature, audience and
		// expiry are still checked against the application's key set.
		oidcConfig.SkipIssuerCheck = true
		keySet := oidc.NewRemoteKeySet(oidcCtx, baseURL.JoinPath(".well-known", "jwks.json").String())
		verifier = oidc.NewVerifier("", keySet, oidcConfig)
	}
	endpoint.AuthStyle = oauth2.AuthStyleInHeader

	return &Client{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		applicationID: cfg.ApplicationID,
		httpClient:    httpClient,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		verifier: verifier,
	}, nil
}

// ApplicationID returns the application this client logs users into.
func (c *Client) ApplicationID() string { return c.applicationID }

// AuthorizeURL builds the authorize endpoint URL for one login attempt.
func (c *Client) AuthorizeURL(state, challenge string) string {
	return c.oauth2Config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// RegisterURL builds the hosted registration page URL. It takes the same
// parameters as the authorize endpoint and ends in the same callback.
func (c *Client) RegisterURL(state, challenge string) string {
	authURL := c.AuthorizeURL(state, challenge)
	u, err := url.Parse(authURL)
	if err != nil {
		return authURL
	}
	if strings.HasSuffix(u.Path, "/authorize") {
		u.Path = strings.TrimSuffix(u.Path, "/authorize") + "/register"
	}
	return u.String()
}

// ExchangeCode trades an authorization code and its PKCE verifier for tokens.
// redirectURI must be the one the authorize request carried, byte for byte.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*Tokens, error) {
	conf := *c.oauth2Config
	conf.RedirectURL = redirectURI

	token, err := conf.Exchange(c.oauth2Context(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		err = tokenEndpointError("exchange", err)
		observe("exchange", err)
		return nil, err
	}

	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		if _, err := c.verifier.Verify(oidc.ClientContext(ctx, c.httpClient), rawIDToken); err != nil {
			err = &ExchangeError{Reason: "invalid_id_token", Err: err}
			observe("exchange", err)
			return nil, err
		}
		tokens.IDToken = rawIDToken
	}

	observe("exchange", nil)
	return tokens, nil
}

// Refresh exchanges a refresh token for a new token pair. When the IdP does not
// rotate refresh tokens the old one is returned in the new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	ts := c.oauth2Config.TokenSource(c.oauth2Context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := ts.Token()
	if err != nil {
		err = tokenEndpointError("refresh", err)
		observe("refresh", err)
		return nil, err
	}

	observe("refresh", nil)
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// Login authenticates a user with the login API.
func (c *Client) Login(ctx context.Context, loginID, password string) (*LoginResult, error) {
	req := loginRequest{LoginID: loginID, Password: password, ApplicationID: c.applicationID}

	var resp loginResponse
	status, body, err := c.call(ctx, "login", http.MethodPost, c.baseURL.JoinPath("api", "login"), c.apiKey, req)
	if err == nil {
		switch status {
		case http.StatusOK:
			err = decode(body, &resp)
		case LoginNotRegistered, LoginPasswordChangeRequired, LoginEmailNotVerified,
			LoginTwoFactorRequired, LoginLocked, LoginExpired:
			err = &LoginStatusError{Status: status}
		case http.StatusNotFound:
			err = &AuthError{Op: "login", Reason: "invalid_credentials", Description: "The login ID or password is incorrect."}
		case http.StatusBadRequest:
			err = validationError("login", body)
		default:
			err = &StatusError{Op: "login", Status: status}
		}
	}
	observe("login", err)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Tokens: Tokens{
			AccessToken:  resp.Token,
			RefreshToken: resp.RefreshToken,
			Expiry:       Instant(resp.TokenExpiry),
		},
		User: resp.User,
	}, nil
}

// UserByToken returns the user an access token was issued to.
func (c *Client) UserByToken(ctx context.Context, accessToken string) (*User, error) {
	var resp userResponse
	status, body, err := c.call(ctx, "user_by_token", http.MethodGet, c.baseURL.JoinPath("api", "user"), "Bearer "+accessToken, nil)
	if err == nil {
		switch status {
		case http.StatusOK:
			err = decode(body, &resp)
		case http.StatusUnauthorized:
			err = &AuthError{Op: "user_by_token", Reason: "invalid_token"}
		case http.StatusNotFound:
			err = &NotFoundError{Op: "user_by_token"}
		default:
			err = &StatusError{Op: "user_by_token", Status: status}
		}
	}
	observe("user_by_token", err)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// UserByID returns the user with the given id. Ids that are not UUIDs cannot
// exist and are reported as not found without calling the IdP.
func (c *Client) UserByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		err := &NotFoundError{Op: "user_by_id"}
		observe("user_by_id", err)
		return nil, err
	}

	var resp userResponse
	status, body, err := c.call(ctx, "user_by_id", http.MethodGet, c.baseURL.JoinPath("api", "user", id), c.apiKey, nil)
	if err == nil {
		switch status {
		case http.StatusOK:
			err = decode(body, &resp)
		case http.StatusNotFound:
			err = &NotFoundError{Op: "user_by_id"}
		default:
			err = &StatusError{Op: "user_by_id", Status: status}
		}
	}
	observe("user_by_id", err)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Register creates a user and its registration for this application in one call.
func (c *Client) Register(ctx context.Context, r RegisterRequest) (*LoginResult, error) {
	var req registrationRequest
	req.User.Email = r.Email
	req.User.Password = r.Password
	req.User.FirstName = r.FirstName
	req.User.LastName = r.LastName
	req.Registration = Registration{ApplicationID: c.applicationID}

	var resp registrationResponse
	status, body, err := c.call(ctx, "register", http.MethodPost, c.baseURL.JoinPath("api", "user", "registration"), c.apiKey, req)
	if err == nil {
		switch status {
		case http.StatusOK:
			err = decode(body, &resp)
		case http.StatusBadRequest:
			err = validationError("register", body)
		default:
			err = &StatusError{Op: "register", Status: status}
		}
	}
	observe("register", err)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Tokens: Tokens{
			AccessToken:  resp.Token,
			RefreshToken: resp.RefreshToken,
			Expiry:       Instant(resp.TokenExpiry),
		},
		User: resp.User,
	}, nil
}

// RevokeRefreshToken revokes one refresh token. Access tokens already issued
// from it stay valid until they expire. An unknown token is not an error.
func (c *Client) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return c.revoke(ctx, "revoke_refresh_token", url.Values{"token": {refreshToken}})
}

// RevokeApplication revokes every refresh token issued for this application.
func (c *Client) RevokeApplication(ctx context.Context) error {
	return c.revoke(ctx, "revoke_application", url.Values{"applicationId": {c.applicationID}})
}

func (c *Client) revoke(ctx context.Context, op string, query url.Values) error {
	u := c.baseURL.JoinPath("api", "jwt", "refresh")
	u.RawQuery = query.Encode()

	status, _, err := c.call(ctx, op, http.MethodDelete, u, c.apiKey, nil)
	if err == nil && status != http.StatusOK && status != http.StatusNotFound {
		err = &StatusError{Op: op, Status: status}
	}
	observe(op, err)
	return err
}

// call performs one API request and returns the status and the body.
func (c *Client) call(ctx context.Context, op, method string, u *url.URL, authorization string, in any) (int, []byte, error) {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("idp %s: failed to encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("idp %s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("idp %s: request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("idp %s: failed to read response: %w", op, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) oauth2Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// tokenEndpointError maps token endpoint failures. 4xx responses are a verdict
// on the presented grant; anything else is a transport or server problem.
func tokenEndpointError(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("idp %s: %w", op, err)
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if status >= 500 || status == 0 {
		return &StatusError{Op: op, Status: status}
	}
	if op == "exchange" {
		return &ExchangeError{Reason: re.ErrorCode, Description: re.ErrorDescription}
	}
	return &AuthError{Op: op, Reason: re.ErrorCode, Description: re.ErrorDescription}
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("idp: failed to decode response: %w", err)
	}
	return nil
}

func validationError(op string, body []byte) error {
	verr := &ValidationError{Op: op}
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return verr
	}
	for _, e := range resp.GeneralErrors {
		verr.Messages = append(verr.Messages, e.Message)
	}
	for _, errs := range resp.FieldErrors {
		for _, e := range errs {
			verr.Messages = append(verr.Messages, e.Message)
		}
	}
	return verr
}

func observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case IsCredentialRejected(err):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.IdPRequests.WithLabelValues(op, result).Inc()
}
