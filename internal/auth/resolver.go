package auth

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/logsanitize"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/metrics"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/policy"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

// Resolution outcomes, as counted in metrics.
const (
	outcomeAnonymous     = "anonymous"
	outcomeAuthenticated = "authenticated"
	outcomeRefreshed     = "refreshed"
	outcomeUnregistered  = "unregistered"
	outcomeRejected      = "rejected"
	outcomeUnavailable   = "unavailable"
)

// UserSource is the part of the IdP client the resolver needs.
type UserSource interface {
	UserByToken(ctx context.Context, accessToken string) (*idp.User, error)
	UserByID(ctx context.Context, id string) (*idp.User, error)
	Refresh(ctx context.Context, refreshToken string) (*idp.Tokens, error)
}

// Resolver maps a session to an identity. It never fails: every IdP or policy
// failure resolves to Anonymous.
//
// Credentials are removed from the session only when the IdP rejects them. An
// IdP outage leaves the session untouched so the user is signed in again once
// the IdP recovers. A user whose registration was removed or deactivated keeps
// the credential too; it just stops resolving.
type Resolver struct {
	users  UserSource
	policy *policy.Policy
	mode   Representation

	refreshes singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver(users UserSource, pol *policy.Policy, mode Representation) *Resolver {
	return &Resolver{
		users:  users,
		policy: pol,
		mode:   mode,
	}
}

// Mode returns the representation the resolver reads.
func (r *Resolver) Mode() Representation { return r.mode }

// Resolve derives the identity of s. Refreshed tokens and cleared credentials
// are recorded on s; the caller saves it. A transient refresh failure resolves
// anonymously but keeps the stored token pair.
func (r *Resolver) Resolve(ctx context.Context, s *session.Session) Result {
	cred, ok := r.mode.Load(s)
	if !ok {
		metrics.Resolutions.WithLabelValues(outcomeAnonymous).Inc()
		return AnonymousResult()
	}

	var user *idp.User
	outcome := outcomeAnonymous
	switch c := cred.(type) {
	case TokenPair:
		user, outcome = r.resolveTokens(ctx, s, c)
	case UserRef:
		user, outcome = r.resolveUserID(ctx, s, c)
	}
	if user == nil {
		metrics.Resolutions.WithLabelValues(outcome).Inc()
		return AnonymousResult()
	}

	if err := r.policy.Check(user.Registrations); err != nil {
		slog.Info("user is not registered for this application, resolving anonymous",
			"user_id", user.ID,
			"reason", err,
		)
		metrics.Resolutions.WithLabelValues(outcomeUnregistered).Inc()
		return AnonymousResult()
	}

	metrics.Resolutions.WithLabelValues(outcome).Inc()
	return authenticated(NewUser(user))
}

func (r *Resolver) resolveTokens(ctx context.Context, s *session.Session, pair TokenPair) (*idp.User, string) {
	user, err := r.users.UserByToken(ctx, pair.AccessToken)
	if err == nil {
		return user, outcomeAuthenticated
	}
	if !idp.IsCredentialRejected(err) {
		slog.Warn("identity provider unavailable, resolving anonymous", "error", err)
		return nil, outcomeUnavailable
	}

	if pair.RefreshToken == "" {
		slog.Debug("access token rejected and no refresh token, clearing credentials")
		r.mode.Clear(s)
		return nil, outcomeRejected
	}

	tokens, err := r.refresh(ctx, pair.RefreshToken)
	if err != nil {
		if !idp.IsCredentialRejected(err) {
			slog.Warn("token refresh failed, resolving anonymous", "error", err)
			return nil, outcomeUnavailable
		}
		slog.Info("refresh token rejected, clearing credentials",
			"token", logsanitize.Fingerprint(pair.RefreshToken),
			"error", err,
		)
		r.mode.Clear(s)
		return nil, outcomeRejected
	}
	r.mode.Store(s, TokenPair{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken})
	slog.Debug("access token refreshed",
		"token", logsanitize.Fingerprint(pair.RefreshToken),
		"rotated", tokens.RefreshToken != pair.RefreshToken,
	)

	user, err = r.users.UserByToken(ctx, tokens.AccessToken)
	if err != nil {
		if !idp.IsCredentialRejected(err) {
			slog.Warn("identity provider unavailable after refresh, resolving anonymous", "error", err)
			return nil, outcomeUnavailable
		}
		slog.Warn("refreshed access token rejected, clearing credentials", "error", err)
		r.mode.Clear(s)
		return nil, outcomeRejected
	}
	return user, outcomeRefreshed
}

// refresh coalesces concurrent refreshes of one refresh token, as happens when
// a page fires several requests right after the access token expired.
func (r *Resolver) refresh(ctx context.Context, refreshToken string) (*idp.Tokens, error) {
	v, err, _ := r.refreshes.Do(refreshToken, func() (any, error) {
		return r.users.Refresh(context.WithoutCancel(ctx), refreshToken)
	})
	if err != nil {
		return nil, err
	}
	tokens := *v.(*idp.Tokens)
	return &tokens, nil
}

func (r *Resolver) resolveUserID(ctx context.Context, s *session.Session, ref UserRef) (*idp.User, string) {
	user, err := r.users.UserByID(ctx, ref.UserID)
	if err == nil {
		return user, outcomeAuthenticated
	}
	if !idp.IsCredentialRejected(err) {
		slog.Warn("identity provider unavailable, resolving anonymous", "error", err)
		return nil, outcomeUnavailable
	}
	slog.Info("user id no longer known to the identity provider, clearing credentials", "error", err)
	r.mode.Clear(s)
	return nil, outcomeRejected
}
