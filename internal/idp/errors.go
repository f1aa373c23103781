package idp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AuthError reports bad credentials or an invalid, expired or revoked token.
type AuthError struct {
	Op          string
	Reason      string
	Description string
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("idp %s: authentication failed", e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// ExchangeError reports an authorization code or PKCE verifier the token
// endpoint refused, or an id_token that failed verification.
type ExchangeError struct {
	Reason      string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := "idp code exchange failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NotFoundError reports a user or token the IdP does not know.
type NotFoundError struct {
	Op string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("idp %s: not found", e.Op)
}

// FusionAuth login API statuses other than 200.
const (
	LoginNotRegistered          = 202
	LoginPasswordChangeRequired = 203
	LoginEmailNotVerified       = 212
	LoginTwoFactorRequired      = 242
	LoginLocked                 = 409
	LoginExpired                = 410
)

// LoginStatusError is a login response the caller must not treat as success.
type LoginStatusError struct {
	Status int
}

func (e *LoginStatusError) Error() string {
	return fmt.Sprintf("idp login returned status %d: %s", e.Status, e.Reason())
}

// Reason describes the status for end users.
func (e *LoginStatusError) Reason() string {
	switch e.Status {
	case LoginNotRegistered:
		return "the user is not registered for this application"
	case LoginPasswordChangeRequired:
		return "a password change is required"
	case LoginEmailNotVerified:
		return "the email address has not been verified"
	case LoginTwoFactorRequired:
		return "two-factor authentication is required"
	case LoginLocked:
		return "the account is locked"
	case LoginExpired:
		return "the account has expired"
	default:
		return strings.ToLower(http.StatusText(e.Status))
	}
}

// ValidationError carries the field and general errors of a rejected request.
type ValidationError struct {
	Op       string
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("idp %s: request rejected", e.Op)
	}
	return fmt.Sprintf("idp %s: %s", e.Op, strings.Join(e.Messages, "; "))
}

// StatusError is an unexpected HTTP status, usually a server-side or
// configuration problem rather than a statement about the user's credentials.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("idp %s: unexpected status %d", e.Op, e.Status)
}

// IsCredentialRejected reports whether err means the IdP looked at the
// presented credential and refused it. Transport failures and unexpected
// statuses return false: the credential may still be good.
func IsCredentialRejected(err error) bool {
	var (
		authErr     *AuthError
		notFound    *NotFoundError
		exchangeErr *ExchangeError
		statusErr   *LoginStatusError
	)
	return errors.As(err, &authErr) ||
		errors.As(err, &notFound) ||
		errors.As(err, &exchangeErr) ||
		errors.As(err, &statusErr)
}
