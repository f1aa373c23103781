// Package httpserver serves the web application: landing and account pages,
// the login, registration and logout flows, and the OAuth callback.
package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/auth"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/lifecycle"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/metrics"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// Server is the HTTP server of the web application
type Server struct {
	cfg        *config.Config
	version    string
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	limiter    *IPRateLimiter

	sessions *session.Manager
	resolver *auth.Resolver
	flows    *lifecycle.Controller
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, version string, sessions *session.Manager, resolver *auth.Resolver, flows *lifecycle.Controller) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		version:   version,
		mux:       http.NewServeMux(),
		templates: templates,
		limiter:   newIPRateLimiter(10, 50),
		sessions:  sessions,
		resolver:  resolver,
		flows:     flows,
	}

	// Pages resolve the identity; flow endpoints only need the session.
	s.mux.Handle("GET /{$}", s.withIdentity(http.HandlerFunc(s.handleIndex)))
	s.mux.Handle("GET /account", s.withIdentity(auth.RequireAuthenticated("/login")(http.HandlerFunc(s.handleAccount))))
	s.mux.Handle("GET /login", s.withSession(http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("GET /login-form", s.withIdentity(http.HandlerFunc(s.handleLoginForm)))
	s.mux.Handle("POST /login-form", s.withSession(http.HandlerFunc(s.handleLoginSubmit)))
	s.mux.Handle("GET /register", s.withSession(http.HandlerFunc(s.handleRegister)))
	s.mux.Handle("GET /register-form", s.withIdentity(http.HandlerFunc(s.handleRegisterForm)))
	s.mux.Handle("POST /register-form", s.withSession(http.HandlerFunc(s.handleRegisterSubmit)))
	s.mux.Handle("GET /logout", s.withSession(http.HandlerFunc(s.handleLogout)))
	s.mux.Handle("GET /oauth-callback", s.withSession(http.HandlerFunc(s.handleOAuthCallback)))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))

	s.httpServer = &http.Server{
		Addr:    cfg.Listen.HTTP,
		Handler: wrap(s.mux, s.limiter),
		// Callbacks wait on the IdP token endpoint, bounded by idp.timeout.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(cfg.IdP.Timeout)*2*time.Second + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// wrap applies the middleware chain to h. The request id is assigned outside
// recovery so that a recovered panic is logged with it.
func wrap(h http.Handler, limiter *IPRateLimiter) http.Handler {
	handler := loggingMiddleware(h)
	handler = recoveryMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = limiter.middleware(handler)
	return securityHeadersMiddleware(handler)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) withSession(h http.Handler) http.Handler {
	return s.sessions.Middleware(h)
}

func (s *Server) withIdentity(h http.Handler) http.Handler {
	return s.sessions.Middleware(auth.Middleware(s.resolver, s.sessions)(h))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
