package web

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/agent"
	"github.com/agentdispatch/admp-hub/internal/crypto"
	"github.com/agentdispatch/admp-hub/internal/store"
)

type registerRequest struct {
	AgentID       string          `json:"agent_id,omitempty"`
	Seed          string          `json:"seed,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	AgentType     string          `json:"agent_type,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	WebhookURL    string          `json:"webhook_url,omitempty"`
	WebhookSecret string          `json:"webhook_secret,omitempty"`
}

type registerResponse struct {
	Agent               *store.Agent `json:"agent"`
	SecretKey           string       `json:"secret_key,omitempty"`
	Mode                string       `json:"mode"`
	HeartbeatIntervalMS int64        `json:"heartbeat_interval_ms"`
}

func (s *Server) apiRegister(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !p.CanRegister() {
		writeError(w, admperr.Forbidden("FORBIDDEN", "key scope does not allow registration"))
		return
	}

	var req registerRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	reg, err := s.deps.Agents.Register(r.Context(), agent.RegisterRequest{
		AgentID:       req.AgentID,
		Seed:          req.Seed,
		DisplayName:   req.DisplayName,
		AgentType:     req.AgentType,
		Metadata:      req.Metadata,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		Agent:               redactAgent(reg.Agent),
		SecretKey:           reg.SecretKey,
		Mode:                reg.Mode,
		HeartbeatIntervalMS: reg.HeartbeatIntervalMS,
	})
}

func (s *Server) apiListAgents(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	agents, err := s.deps.Agents.List(r.Context(), store.AgentFilter{
		Status:    r.URL.Query().Get("status"),
		AgentType: r.URL.Query().Get("agent_type"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]*store.Agent, len(agents))
	for i, a := range agents {
		out[i] = redactAgent(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) apiGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redactAgent(a))
}

func (s *Server) apiDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Agents.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "agent_id": id})
}

func (s *Server) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.deps.Agents.Heartbeat(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     a.ID,
		"status":       a.Status,
		"last_seen_ms": a.LastSeenMS,
	})
}

type rotateKeyRequest struct {
	PublicKey string `json:"public_key"`
	GraceSec  int64  `json:"grace_sec,omitempty"`
}

// apiRotateKey replaces the agent's signing key. The request must carry a
// valid HTTP signature made with a key the agent currently holds; an API
// key alone cannot rotate.
func (s *Server) apiRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.deps.Agents.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		writeError(w, admperr.TooLarge("BODY_TOO_LARGE", "request body exceeds %d bytes", s.deps.MaxBodyBytes))
		return
	}
	if err := s.verifyRequestSignature(r, a, body); err != nil {
		writeError(w, err)
		return
	}

	var req rotateKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, admperr.Validation("INVALID_JSON", "request body is not valid JSON"))
		return
	}
	grace := s.deps.Agents.DefaultKeyGrace()
	if req.GraceSec > 0 {
		grace = time.Duration(req.GraceSec) * time.Second
	}
	entry, err := s.deps.Agents.RotateKey(r.Context(), id, req.PublicKey, grace)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": id,
		"kid":      entry.Kid,
		"rotated":  true,
	})
}

// verifyRequestSignature checks the Signature/Date/Digest headers against
// the agent's usable keys.
func (s *Server) verifyRequestSignature(r *http.Request, a *store.Agent, body []byte) error {
	sig, err := crypto.ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return admperr.Unauthorized("SIGNATURE_REQUIRED", "request must carry a Signature header")
	}
	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return admperr.Unauthorized("INVALID_SIGNATURE", "request must carry a valid Date header")
	}
	if d := r.Header.Get("Digest"); d != "" && d != crypto.DigestHeader(body) {
		return admperr.Unauthorized("INVALID_SIGNATURE", "Digest header does not match the request body")
	}

	pathWithQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathWithQuery += "?" + r.URL.RawQuery
	}
	canonical, err := crypto.CanonicalRequestString(r.Method, pathWithQuery, sig.Headers, func(h string) string {
		return r.Header.Get(h)
	})
	if err != nil {
		return admperr.Unauthorized("INVALID_SIGNATURE", "%s", err.Error())
	}
	return s.deps.Agents.VerifyRequestSignature(a, sig, canonical, date)
}

type trustRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) apiListTrusted(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trusted, err := s.deps.Agents.Trusted(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "trusted_agents": emptyIfNil(trusted)})
}

func (s *Server) apiAddTrusted(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req trustRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id is required"))
		return
	}
	trusted, err := s.deps.Agents.AddTrusted(r.Context(), id, req.AgentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "trusted_agents": emptyIfNil(trusted)})
}

func (s *Server) apiRemoveTrusted(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	trusted, err := s.deps.Agents.RemoveTrusted(r.Context(), id, r.PathValue("trusted"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "trusted_agents": emptyIfNil(trusted)})
}

type webhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

func (s *Server) apiGetWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	wh, err := s.deps.Agents.Webhook(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// The secret is write-only after configuration.
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "url": wh.URL})
}

func (s *Server) apiSetWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req webhookRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	wh, err := s.deps.Agents.SetWebhook(r.Context(), id, req.URL, req.Secret)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Generated secrets are shown exactly once, at configuration time.
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "url": wh.URL, "secret": wh.Secret})
}

func (s *Server) apiDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Agents.DeleteWebhook(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "deleted": true})
}

// redactAgent strips secrets from an agent record before rendering.
func redactAgent(a *store.Agent) *store.Agent {
	if a.Webhook == nil {
		return a
	}
	cp := *a
	wh := *a.Webhook
	wh.Secret = ""
	cp.Webhook = &wh
	return &cp
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
