package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/auth"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/lifecycle"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/logsanitize"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

// maxFormSize bounds login and registration form bodies.
const maxFormSize = 64 << 10

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index.html", s.page(r, "Home"))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "account.html", s.page(r, "Account"))
}

// handleLogin starts a login: an OAuth redirect to the IdP, or the login form
// when logins go through the API.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Login == config.LoginAPI {
		http.Redirect(w, r, "/login-form", http.StatusSeeOther)
		return
	}
	s.startOAuth(w, r, lifecycle.FlowLogin)
}

// handleRegister starts a registration, like handleLogin.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Login == config.LoginAPI {
		http.Redirect(w, r, "/register-form", http.StatusSeeOther)
		return
	}
	s.startOAuth(w, r, lifecycle.FlowRegister)
}

func (s *Server) startOAuth(w http.ResponseWriter, r *http.Request, flow lifecycle.Flow) {
	sess := s.session(r)

	target, err := s.flows.StartOAuth(r.Context(), sess, flow)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.save(r.Context(), w, sess); err != nil {
		s.renderError(w, r, err)
		return
	}

	slog.Debug("redirecting to identity provider", "request_id", RequestID(r.Context()), "flow", flow)
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "login.html", s.page(r, "Sign in"))
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, &lifecycle.FlowError{Kind: lifecycle.KindInvalidRequest, Reason: "invalid_form", Err: err})
		return
	}
	email := r.PostForm.Get("email")
	sess := s.session(r)

	_, err := s.flows.PasswordLogin(r.Context(), sess, email, r.PostForm.Get("password"))
	if saveErr := s.save(r.Context(), w, sess); saveErr != nil && err == nil {
		err = saveErr
	}
	if err != nil {
		slog.Info("password login failed", // #nosec G706 -- values sanitized via logsanitize
			"request_id", RequestID(r.Context()),
			"login_id", logsanitize.Sanitize(email),
			"error", err,
		)
		data := s.page(r, "Sign in")
		data.Email = email
		data.Error = asFlowError(err)
		s.render(w, statusFor(err), "login.html", data)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "register.html", s.page(r, "Create account"))
}

func (s *Server) handleRegisterSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, &lifecycle.FlowError{Kind: lifecycle.KindInvalidRequest, Reason: "invalid_form", Err: err})
		return
	}
	req := idp.RegisterRequest{
		Email:     r.PostForm.Get("email"),
		Password:  r.PostForm.Get("password"),
		FirstName: r.PostForm.Get("first_name"),
		LastName:  r.PostForm.Get("last_name"),
	}
	sess := s.session(r)

	_, err := s.flows.Register(r.Context(), sess, req)
	if saveErr := s.save(r.Context(), w, sess); saveErr != nil && err == nil {
		err = saveErr
	}
	if err != nil {
		slog.Info("registration failed", // #nosec G706 -- values sanitized via logsanitize
			"request_id", RequestID(r.Context()),
			"email", logsanitize.Sanitize(req.Email),
			"error", err,
		)
		data := s.page(r, "Create account")
		data.Email = req.Email
		data.FirstName = req.FirstName
		data.LastName = req.LastName
		data.Error = asFlowError(err)
		s.render(w, statusFor(err), "register.html", data)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout revokes what can be revoked, drops the session and returns to
// the landing page.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	s.flows.Logout(r.Context(), sess)

	if err := s.sessions.Destroy(context.WithoutCancel(r.Context()), w, sess); err != nil {
		slog.Warn("failed to remove session on logout", "request_id", RequestID(r.Context()), "error", err)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleOAuthCallback completes the authorization code flow. The session is
// saved whatever the outcome: the callback always rotates the session id.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := lifecycle.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorReason:      q.Get("error_reason"),
		ErrorDescription: q.Get("error_description"),
	}

	slog.Info("callback received", // #nosec G706 -- only boolean values logged, no injection risk
		"request_id", RequestID(r.Context()),
		"code_present", params.Code != "",
		"state_present", params.State != "",
		"error_present", params.Error != "" || params.ErrorReason != "",
	)

	sess := s.session(r)
	_, err := s.flows.Callback(r.Context(), sess, params)
	if saveErr := s.save(r.Context(), w, sess); saveErr != nil && err == nil {
		err = saveErr
	}
	if err != nil {
		slog.Warn("callback failed", "request_id", RequestID(r.Context()), "error", err)
		s.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// session returns the session loaded by the session middleware.
func (s *Server) session(r *http.Request) *session.Session {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		// Routes are always wrapped; this only guards against wiring mistakes.
		panic("httpserver: route registered without session middleware")
	}
	return sess
}

// save persists the session once the flow is complete. A client disconnect
// after the IdP call succeeded must not lose the result.
func (s *Server) save(ctx context.Context, w http.ResponseWriter, sess *session.Session) error {
	if err := s.sessions.Save(context.WithoutCancel(ctx), w, sess); err != nil {
		slog.Error("failed to save session", "request_id", RequestID(ctx), "error", err)
		return &lifecycle.FlowError{
			Kind:        lifecycle.KindUnavailable,
			Reason:      "session_unavailable",
			Description: "Your session could not be saved. Please try again.",
			Err:         err,
		}
	}
	return nil
}

// pageData is the data every template receives.
type pageData struct {
	Title     string
	Version   string
	User      *auth.User
	LoginMode string

	Email     string
	FirstName string
	LastName  string
	Error     *lifecycle.FlowError
}

func (s *Server) page(r *http.Request, title string) pageData {
	return pageData{
		Title:     title,
		Version:   s.version,
		User:      auth.FromContext(r.Context()).User(),
		LoginMode: s.cfg.Auth.Login,
	}
}

func asFlowError(err error) *lifecycle.FlowError {
	var fe *lifecycle.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return &lifecycle.FlowError{Kind: lifecycle.KindUnavailable, Reason: "internal_error", Err: err}
}

// statusFor maps a flow failure to the HTTP status of the page shown for it.
func statusFor(err error) int {
	switch asFlowError(err).Kind {
	case lifecycle.KindAuth:
		return http.StatusUnauthorized
	case lifecycle.KindRegistrationDenied:
		return http.StatusForbidden
	case lifecycle.KindExchange, lifecycle.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
