package auth

import (
	"errors"
	"fmt"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

// Credential is what a session keeps to re-derive its identity: a TokenPair or
// a UserRef, depending on the configured Representation.
type Credential interface {
	credential()
}

// TokenPair is the token-mode credential.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (TokenPair) credential() {}

// UserRef is the opaque-id-mode credential.
type UserRef struct {
	UserID string
}

func (UserRef) credential() {}

// Representation selects how the authenticated state is kept in the session.
// It is fixed for the life of the process.
type Representation interface {
	// Name is the config value selecting this representation.
	Name() string
	// Load returns the session's credential, if any.
	Load(s *session.Session) (Credential, bool)
	// Credential builds the credential to keep after a successful login.
	Credential(tokens idp.Tokens, user *idp.User) (Credential, error)
	// Store replaces the session's credential.
	Store(s *session.Session, c Credential)
	// Clear removes the credential fields from the session.
	Clear(s *session.Session)
}

// ErrNoAccessToken is returned by TokenMode when a login issued no access token.
var ErrNoAccessToken = errors.New("identity provider returned no access token")

// TokenMode keeps the access and refresh tokens in the session.
type TokenMode struct{}

// Name implements Representation.
func (TokenMode) Name() string { return config.ModeToken }

// Load implements Representation.
func (TokenMode) Load(s *session.Session) (Credential, bool) {
	pair := TokenPair{
		AccessToken:  s.Get(session.KeyAccessToken),
		RefreshToken: s.Get(session.KeyRefreshToken),
	}
	return pair, pair.AccessToken != ""
}

// Credential implements Representation.
func (TokenMode) Credential(tokens idp.Tokens, _ *idp.User) (Credential, error) {
	if tokens.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return TokenPair{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

// Store implements Representation.
func (TokenMode) Store(s *session.Session, c Credential) {
	pair, ok := c.(TokenPair)
	if !ok {
		return
	}
	s.Set(session.KeyAccessToken, pair.AccessToken)
	s.Set(session.KeyRefreshToken, pair.RefreshToken)
}

// Clear implements Representation.
func (TokenMode) Clear(s *session.Session) {
	s.Delete(session.KeyAccessToken)
	s.Delete(session.KeyRefreshToken)
}

// UserIDMode keeps only the IdP user id in the session. Tokens issued during
// login are discarded.
type UserIDMode struct{}

// Name implements Representation.
func (UserIDMode) Name() string { return config.ModeUserID }

// Load implements Representation.
func (UserIDMode) Load(s *session.Session) (Credential, bool) {
	ref := UserRef{UserID: s.Get(session.KeyUserID)}
	return ref, ref.UserID != ""
}

// Credential implements Representation.
func (UserIDMode) Credential(_ idp.Tokens, user *idp.User) (Credential, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("identity provider returned no user id")
	}
	return UserRef{UserID: user.ID}, nil
}

// Store implements Representation.
func (UserIDMode) Store(s *session.Session, c Credential) {
	if ref, ok := c.(UserRef); ok {
		s.Set(session.KeyUserID, ref.UserID)
	}
}

// Clear implements Representation.
func (UserIDMode) Clear(s *session.Session) {
	s.Delete(session.KeyUserID)
}

// ParseRepresentation maps the auth.mode config value to a Representation.
func ParseRepresentation(mode string) (Representation, error) {
	switch mode {
	case config.ModeToken, "":
		return TokenMode{}, nil
	case config.ModeUserID:
		return UserIDMode{}, nil
	default:
		return nil, fmt.Errorf("unknown representation mode %q", mode)
	}
}
