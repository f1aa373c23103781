package idp

import "time"

// Tokens is the credential bundle issued by the token or login endpoints.
//
// FusionAuth can revoke refresh tokens but not access tokens: a leaked access
// token stays valid until it expires, whatever the caller does on logout.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Registration links a user to one application.
type Registration struct {
	ApplicationID string   `json:"applicationId"`
	Roles         []string `json:"roles,omitempty"`
}

// User is the subset of the FusionAuth user object this service reads.
// Instants are epoch milliseconds.
type User struct {
	ID                        string         `json:"id"`
	Active                    bool           `json:"active"`
	Email                     string         `json:"email"`
	FirstName                 string         `json:"firstName,omitempty"`
	LastName                  string         `json:"lastName,omitempty"`
	InsertInstant             int64          `json:"insertInstant"`
	LastUpdateInstant         int64          `json:"lastUpdateInstant"`
	LastLoginInstant          int64          `json:"lastLoginInstant"`
	PasswordLastUpdateInstant int64          `json:"passwordLastUpdateInstant"`
	PasswordChangeRequired    bool           `json:"passwordChangeRequired"`
	Registrations             []Registration `json:"registrations,omitempty"`
}

// LoginResult is a successful password login.
type LoginResult struct {
	Tokens Tokens
	User   User
}

// RegisterRequest creates a user and registers it with the application.
type RegisterRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Instant converts a FusionAuth epoch-millisecond instant. Zero stays zero.
func Instant(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type loginRequest struct {
	LoginID       string `json:"loginId"`
	Password      string `json:"password"`
	ApplicationID string `json:"applicationId"`
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	TokenExpiry  int64  `json:"tokenExpirationInstant"`
	User         User   `json:"user"`
}

type userResponse struct {
	User User `json:"user"`
}

type registrationRequest struct {
	User struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"firstName,omitempty"`
		LastName  string `json:"lastName,omitempty"`
	} `json:"user"`
	Registration Registration `json:"registration"`
}

type registrationResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	TokenExpiry  int64  `json:"tokenExpirationInstant"`
	User         User   `json:"user"`
}

type errorResponse struct {
	FieldErrors map[string][]struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"fieldErrors"`
	GeneralErrors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"generalErrors"`
}
