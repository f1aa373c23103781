// Package pkce generates Proof Key for Code Exchange pairs (RFC 7636) and the
// OAuth state parameter sent alongside them.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// MethodS256 is the only challenge method this package produces.
const MethodS256 = "S256"

// Pair is one verifier/challenge pair. The verifier stays in the session; the
// challenge goes to the authorize endpoint.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// New generates a fresh pair. Every authorization attempt must use its own pair.
func New() (Pair, error) {
	verifier, err := generateVerifier()
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		Method:    MethodS256,
	}, nil
}

// Challenge derives the S256 challenge: BASE64URL(SHA256(ASCII(verifier))).
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether challenge was derived from verifier.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}

// NewState creates a random state parameter for CSRF protection.
// The state is 16 random bytes encoded as hex (32 characters).
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// generateVerifier returns 32 random bytes encoded as base64url (43 characters),
// inside the 43-128 character range RFC 7636 allows.
func generateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
