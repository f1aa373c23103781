package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CookieOptions defines how session cookies are issued.
type CookieOptions struct {
	Name     string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// ParseSameSite maps a config value (lax, strict, none) to http.SameSite.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// Manager binds a Store to the session cookie. It is safe for concurrent use.
type Manager struct {
	store  Store
	ttl    time.Duration
	secret []byte
	cookie CookieOptions
}

// NewManager creates a session manager. ttl is both the stored record lifetime and
// the cookie Max-Age; secret signs the cookie value.
func NewManager(store Store, ttl time.Duration, secret string, cookie CookieOptions) *Manager {
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		secret: []byte(secret),
		cookie: cookie,
	}
}

// Load returns the session referenced by the request cookie. A missing cookie, a
// bad signature or an unsafe id all yield a fresh, unsaved session.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	if c, err := r.Cookie(m.cookie.Name); err == nil {
		if id, ok := m.verify(c.Value); ok {
			data := m.store.Read(r.Context(), id)
			if len(data) > 0 {
				return newSession(id, data, false), nil
			}
		}
	}
	return m.New()
}

// New returns a fresh, unsaved session.
func (m *Manager) New() (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	return newSession(id, nil, true), nil
}

// Regenerate gives the session a new id. The blob is kept; on Save it is written
// under the new id and the old id is removed, so the old cookie no longer
// resolves to anything.
func (m *Manager) Regenerate(s *Session) error {
	id, err := generateSessionID()
	if err != nil {
		return fmt.Errorf("failed to generate session ID: %w", err)
	}
	if !s.isNew && s.oldID == "" {
		s.oldID = s.id
	}
	s.id = id
	s.isNew = true
	return nil
}

// Destroy removes the stored session and expires the cookie. The handle is reset
// to a fresh, unsaved session.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *Session) error {
	var firstErr error
	for _, id := range []string{s.oldID, s.id} {
		if id == "" {
			continue
		}
		if err := m.store.Remove(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.clearCookie(w)

	renew(s)
	return firstErr
}

// renew points s at a fresh, unsaved id with no fields.
func renew(s *Session) {
	s.committed(Data{})
	if id, err := generateSessionID(); err == nil {
		s.id = id
		s.isNew = true
	}
}

// Save persists the session's changes and issues the cookie when the id is new.
// Nothing is written for a new session without fields. If the stored session was
// removed since s was loaded (logout, rotation or expiry), its changes are dropped
// and s starts over as a new session with no fields.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if !s.Modified() && !s.isNew {
		return nil
	}

	var stored Data
	if s.isNew {
		stored = s.Values()
		if len(stored) == 0 && s.oldID == "" {
			return nil
		}
		if _, err := m.store.Write(ctx, s.id, stored, m.ttl); err != nil {
			return err
		}
	} else {
		existed, err := m.store.Update(ctx, s.id, m.ttl, func(current Data) Data {
			stored = s.apply(current)
			return stored
		})
		if err != nil {
			return err
		}
		if !existed {
			renew(s)
			return nil
		}
	}

	if s.oldID != "" {
		if err := m.store.Remove(ctx, s.oldID); err != nil {
			return fmt.Errorf("failed to remove rotated session: %w", err)
		}
	}

	if s.isNew && w != nil {
		m.setCookie(w, s.id)
	}
	s.committed(stored)
	return nil
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    m.sign(id),
		Path:     m.cookie.Path,
		MaxAge:   int(m.ttl.Seconds()),
		Expires:  time.Now().Add(m.ttl),
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: m.cookie.SameSite,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Path:     m.cookie.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: m.cookie.SameSite,
	})
}

// sign returns "<id>.<base64url hmac-sha256(id)>".
func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || !ValidID(id) {
		return "", false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", false
	}
	return id, true
}

// generateSessionID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type contextKey struct{}

// WithSession stores s in the context.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by Middleware, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}

// Middleware loads the request's session into the context. Handlers that change
// the session call Save before writing the response.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Load(r)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}
