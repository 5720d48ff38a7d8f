package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/auth"
	"github.com/agentdispatch/admp-hub/internal/metrics"
)

// statusWriter records the response code for metrics. Flush is forwarded
// so the SSE handler still sees a flusher.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument counts requests per matched route pattern and observes their
// duration. Unmatched requests are labelled by raw method.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = r.Method
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPDuration.Observe(time.Since(start).Seconds())
	})
}

// corsMiddleware answers preflights and stamps the configured origin on
// every response.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.deps.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Signature, Date, Digest")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller to a principal. When key checks are
// disabled every caller is an implicit admin, matching the open-hub mode.
func (s *Server) authMiddleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil || !s.deps.Auth.Required() {
			r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{Master: true, Scope: auth.ScopeAdmin}))
			next(w, r)
			return
		}
		p, err := s.deps.Auth.Authenticate(r.Context(), apiKey(r), clientIP(r))
		if err != nil {
			writeError(w, err)
			return
		}
		r = r.WithContext(auth.WithPrincipal(r.Context(), p))
		next(w, r)
	})
}

// apiKey extracts the presented key: X-API-Key first, then a bearer token.
func apiKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// principal returns the authenticated caller. The auth middleware always
// attaches one, so handlers may call scope predicates directly.
func principal(r *http.Request) *auth.Principal {
	return auth.PrincipalFrom(r.Context())
}

// requireActFor rejects callers whose scope does not cover agentID.
func requireActFor(r *http.Request, agentID string) error {
	if principal(r).CanActFor(agentID) {
		return nil
	}
	return admperr.Forbidden("FORBIDDEN", "key scope does not cover agent %q", agentID)
}

// requireAdmin rejects non-admin callers.
func requireAdmin(r *http.Request) error {
	if principal(r).Admin() {
		return nil
	}
	return admperr.Forbidden("FORBIDDEN", "admin scope required")
}
