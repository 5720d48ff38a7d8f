// Package web is the hub's HTTP adapter: routing, authentication, request
// parsing and the central domain-error to status-code mapping. All domain
// behavior lives in the services; handlers stay thin.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/agent"
	"github.com/agentdispatch/admp-hub/internal/auth"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/group"
	"github.com/agentdispatch/admp-hub/internal/inbox"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/roundtable"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// StatsReader exposes aggregate counters for /api/stats.
type StatsReader interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Dependencies defines what the server needs from the rest of the hub.
type Dependencies struct {
	Agents   *agent.Service
	Inbox    *inbox.Engine
	Groups   *group.Service
	Tables   *roundtable.Service
	Auth     *auth.Service
	Stats    StatsReader
	EventBus *events.Bus
	Log      *logging.Logger

	CORSOrigin   string
	MaxBodyBytes int64
}

// Server is the hub HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 2 << 20
	}
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the full middleware-wrapped handler, exported for tests.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.instrument(s.mux))
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("hub listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// Middleware helpers. authed attaches a principal (or rejects); the
	// scope predicates run inside the handlers that know the path params.
	authed := func(h http.HandlerFunc) http.Handler {
		return s.authMiddleware(h)
	}

	// Public surface.
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Agents.
	s.mux.Handle("POST /api/agents/register", authed(s.apiRegister))
	s.mux.Handle("GET /api/agents", authed(s.apiListAgents))
	s.mux.Handle("GET /api/agents/{id}", authed(s.apiGetAgent))
	s.mux.Handle("DELETE /api/agents/{id}", authed(s.apiDeleteAgent))
	s.mux.Handle("POST /api/agents/{id}/heartbeat", authed(s.apiHeartbeat))
	s.mux.Handle("POST /api/agents/{id}/rotate-key", authed(s.apiRotateKey))
	s.mux.Handle("GET /api/agents/{id}/trusted", authed(s.apiListTrusted))
	s.mux.Handle("POST /api/agents/{id}/trusted", authed(s.apiAddTrusted))
	s.mux.Handle("DELETE /api/agents/{id}/trusted/{trusted}", authed(s.apiRemoveTrusted))
	s.mux.Handle("GET /api/agents/{id}/webhook", authed(s.apiGetWebhook))
	s.mux.Handle("POST /api/agents/{id}/webhook", authed(s.apiSetWebhook))
	s.mux.Handle("DELETE /api/agents/{id}/webhook", authed(s.apiDeleteWebhook))

	// Messaging.
	s.mux.Handle("POST /api/agents/{to}/messages", authed(s.apiSend))
	s.mux.Handle("POST /api/agents/{id}/inbox/pull", authed(s.apiPull))
	s.mux.Handle("GET /api/agents/{id}/inbox/stats", authed(s.apiInboxStats))
	s.mux.Handle("POST /api/agents/{id}/inbox/reclaim", authed(s.apiReclaim))
	s.mux.Handle("POST /api/agents/{id}/messages/{mid}/ack", authed(s.apiAck))
	s.mux.Handle("POST /api/agents/{id}/messages/{mid}/nack", authed(s.apiNack))
	s.mux.Handle("POST /api/agents/{id}/messages/{mid}/reply", authed(s.apiReply))
	s.mux.Handle("GET /api/messages/{mid}/status", authed(s.apiMessageStatus))

	// Groups.
	s.mux.Handle("POST /api/groups", authed(s.apiCreateGroup))
	s.mux.Handle("GET /api/groups", authed(s.apiListGroups))
	s.mux.Handle("GET /api/groups/{id}", authed(s.apiGetGroup))
	s.mux.Handle("DELETE /api/groups/{id}", authed(s.apiDeleteGroup))
	s.mux.Handle("POST /api/groups/{id}/join", authed(s.apiJoinGroup))
	s.mux.Handle("POST /api/groups/{id}/leave", authed(s.apiLeaveGroup))
	s.mux.Handle("GET /api/groups/{id}/members", authed(s.apiGroupMembers))
	s.mux.Handle("POST /api/groups/{id}/members", authed(s.apiAddGroupMember))
	s.mux.Handle("DELETE /api/groups/{id}/members/{agent}", authed(s.apiRemoveGroupMember))
	s.mux.Handle("POST /api/groups/{id}/messages", authed(s.apiPostGroup))
	s.mux.Handle("GET /api/groups/{id}/messages", authed(s.apiGroupHistory))

	// Round tables.
	s.mux.Handle("POST /api/round-tables", authed(s.apiCreateTable))
	s.mux.Handle("GET /api/round-tables", authed(s.apiListTables))
	s.mux.Handle("GET /api/round-tables/{id}", authed(s.apiGetTable))
	s.mux.Handle("POST /api/round-tables/{id}/speak", authed(s.apiSpeak))
	s.mux.Handle("POST /api/round-tables/{id}/resolve", authed(s.apiResolveTable))

	// Ops.
	s.mux.Handle("GET /api/stats", authed(s.apiStats))
	s.mux.Handle("GET /api/events", authed(s.apiSSE))
	s.mux.Handle("POST /api/keys", authed(s.apiMintKey))
	s.mux.Handle("GET /api/keys", authed(s.apiListKeys))
	s.mux.Handle("DELETE /api/keys/{id}", authed(s.apiRevokeKey))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	if !principal(r).Admin() {
		writeError(w, admperr.Forbidden("FORBIDDEN", "admin scope required"))
		return
	}
	stats, err := s.deps.Stats.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// kindStatus is the single place Kind maps to an HTTP status.
var kindStatus = map[admperr.Kind]int{
	admperr.KindInternal:     http.StatusInternalServerError,
	admperr.KindValidation:   http.StatusBadRequest,
	admperr.KindUnauthorized: http.StatusUnauthorized,
	admperr.KindForbidden:    http.StatusForbidden,
	admperr.KindNotFound:     http.StatusNotFound,
	admperr.KindConflict:     http.StatusConflict,
	admperr.KindGone:         http.StatusGone,
	admperr.KindTooLarge:     http.StatusRequestEntityTooLarge,
	admperr.KindRateLimited:  http.StatusTooManyRequests,
}

// errorBody is the uniform error rendering: {error, code, message}.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a domain error with its mapped status code. Internal
// causes are never leaked to clients.
func writeError(w http.ResponseWriter, err error) {
	kind := admperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorBody{Error: http.StatusText(status), Code: admperr.CodeOf(err)}
	var de *admperr.Error
	if errors.As(err, &de) && kind != admperr.KindInternal {
		body.Message = de.Message
	} else {
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

// fail logs an error at the adapter boundary and renders it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if admperr.KindOf(err) == admperr.KindInternal {
		s.deps.Log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v at
// its zero value so optional-body routes can share it.
func (s *Server) decodeJSON(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return admperr.TooLarge("BODY_TOO_LARGE", "request body exceeds %d bytes", maxErr.Limit)
	}
	return admperr.Validation("INVALID_JSON", "request body is not valid JSON")
}
