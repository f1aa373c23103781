package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/policy"
)

// ErrorKind classifies a failed flow for the caller.
type ErrorKind string

const (
	// KindAuth is bad credentials, a rejected token or an IdP-reported error.
	KindAuth ErrorKind = "auth"
	// KindExchange is an authorization code or verifier the IdP refused.
	KindExchange ErrorKind = "exchange"
	// KindRegistrationDenied is a user who authenticated but may not use the application.
	KindRegistrationDenied ErrorKind = "registration_denied"
	// KindInvalidRequest is a malformed or unexpected request.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindUnavailable is an IdP or store failure unrelated to the user's input.
	KindUnavailable ErrorKind = "unavailable"
)

// FlowError is the terminal failure of one login, callback or registration
// attempt. Reason and Description are safe to show to the user.
type FlowError struct {
	Kind        ErrorKind
	Reason      string
	Description string
	Err         error
}

func (e *FlowError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error", e.Kind)
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Description != "" {
		b.WriteString(" (" + e.Description + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *FlowError) Unwrap() error { return e.Err }

// flowError maps a failure from the IdP client or the registration policy.
func flowError(err error) *FlowError {
	var (
		flowErr     *FlowError
		authErr     *idp.AuthError
		exchangeErr *idp.ExchangeError
		notFound    *idp.NotFoundError
		statusErr   *idp.LoginStatusError
		validation  *idp.ValidationError
		denied      *policy.DeniedError
	)
	switch {
	case errors.As(err, &flowErr):
		return flowErr
	case errors.As(err, &denied):
		return &FlowError{Kind: KindRegistrationDenied, Reason: denied.Reason, Description: denied.Description(), Err: err}
	case errors.As(err, &exchangeErr):
		return &FlowError{Kind: KindExchange, Reason: reasonOr(exchangeErr.Reason, "invalid_grant"), Description: exchangeErr.Description, Err: err}
	case errors.As(err, &statusErr):
		kind := KindAuth
		if statusErr.Status == idp.LoginNotRegistered {
			kind = KindRegistrationDenied
		}
		return &FlowError{Kind: kind, Reason: fmt.Sprintf("login_status_%d", statusErr.Status), Description: statusErr.Reason(), Err: err}
	case errors.As(err, &authErr):
		return &FlowError{Kind: KindAuth, Reason: reasonOr(authErr.Reason, "authentication_failed"), Description: authErr.Description, Err: err}
	case errors.As(err, &notFound):
		return &FlowError{Kind: KindAuth, Reason: "user_not_found", Err: err}
	case errors.As(err, &validation):
		return &FlowError{Kind: KindInvalidRequest, Reason: "validation_failed", Description: strings.Join(validation.Messages, " "), Err: err}
	default:
		return &FlowError{
			Kind:        KindUnavailable,
			Reason:      "service_unavailable",
			Description: "The identity provider could not be reached. Please try again later.",
			Err:         err,
		}
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
