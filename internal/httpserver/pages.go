package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"
)

// render executes a page template into a buffer first, so a template error
// still produces a clean 500 instead of a half-written page.
func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderError renders the error page for a failed flow. Authentication,
// exchange and registration failures get distinct statuses and the reason and
// description of the failure.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	data := s.page(r, "Sign-in failed")
	data.Error = asFlowError(err)
	s.render(w, statusFor(err), "error.html", data)
}
