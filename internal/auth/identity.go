// Package auth resolves the identity behind a request from the credential kept
// in its session.
package auth

import (
	"slices"
	"time"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
)

// ScopeAppAuth is granted to every authenticated, registered user.
const ScopeAppAuth = "app_auth"

// Identity is the result of resolution: Anonymous or *User.
type Identity interface {
	IsAuthenticated() bool
	identity()
}

// Anonymous is the identity of a request without a usable credential.
type Anonymous struct{}

// IsAuthenticated implements Identity.
func (Anonymous) IsAuthenticated() bool { return false }
func (Anonymous) identity()             {}

// User is an authenticated user. It is built per request from IdP data and
// never stored.
type User struct {
	Active                 bool
	UserID                 string
	Email                  string
	FirstName              string
	LastName               string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastLogin              time.Time
	PasswordUpdatedAt      time.Time
	PasswordChangeRequired bool
}

// IsAuthenticated implements Identity.
func (*User) IsAuthenticated() bool { return true }
func (*User) identity()             {}

// DisplayName returns the user's full name, falling back to the email.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Email
	}
}

// NewUser converts an IdP user record.
func NewUser(u *idp.User) *User {
	return &User{
		Active:                 u.Active,
		UserID:                 u.ID,
		Email:                  u.Email,
		FirstName:              u.FirstName,
		LastName:               u.LastName,
		CreatedAt:              idp.Instant(u.InsertInstant),
		UpdatedAt:              idp.Instant(u.LastUpdateInstant),
		LastLogin:              idp.Instant(u.LastLoginInstant),
		PasswordUpdatedAt:      idp.Instant(u.PasswordLastUpdateInstant),
		PasswordChangeRequired: u.PasswordChangeRequired,
	}
}

// Result pairs an identity with the scopes it was granted.
type Result struct {
	Scopes   []string
	Identity Identity
}

// AnonymousResult is the result for requests that did not resolve.
func AnonymousResult() Result {
	return Result{Scopes: []string{}, Identity: Anonymous{}}
}

func authenticated(u *User) Result {
	return Result{Scopes: []string{ScopeAppAuth}, Identity: u}
}

// HasScope reports whether scope was granted.
func (r Result) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// User returns the authenticated user, or nil.
func (r Result) User() *User {
	u, _ := r.Identity.(*User)
	return u
}
