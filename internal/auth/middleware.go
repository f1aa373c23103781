package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

type contextKey struct{}

// WithResult stores res in the context.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// FromContext returns the result stored by Middleware, or an anonymous result.
func FromContext(ctx context.Context) Result {
	if res, ok := ctx.Value(contextKey{}).(Result); ok {
		return res
	}
	return AnonymousResult()
}

// Middleware resolves the identity of every request. It must run inside
// session.Manager.Middleware. When resolution refreshed or cleared the
// credential, the session is saved before the handler runs.
func Middleware(resolver *Resolver, sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := session.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), AnonymousResult())))
				return
			}

			res := resolver.Resolve(r.Context(), s)
			if s.Modified() {
				if err := sessions.Save(context.WithoutCancel(r.Context()), w, s); err != nil {
					slog.Error("failed to save session after resolution", "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		})
	}
}

// RequireAuthenticated redirects requests without the app_auth scope to
// loginPath. With an empty loginPath they get 403.
func RequireAuthenticated(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()).HasScope(ScopeAppAuth) {
				next.ServeHTTP(w, r)
				return
			}
			if loginPath == "" {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			http.Redirect(w, r, loginPath, http.StatusSeeOther)
		})
	}
}
