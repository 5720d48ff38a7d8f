package web

import (
	"net/http"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/auth"
)

type mintKeyRequest struct {
	Scope        string `json:"scope"`
	Label        string `json:"label,omitempty"`
	SingleUse    bool   `json:"single_use,omitempty"`
	ExpiresInSec int64  `json:"expires_in_sec,omitempty"`
}

func (s *Server) apiMintKey(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Auth == nil {
		writeError(w, admperr.Conflict("KEYS_DISABLED", "API key issuance is not enabled on this hub"))
		return
	}
	var req mintKeyRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	plaintext, key, err := s.deps.Auth.Mint(r.Context(), auth.MintRequest{
		Scope:     req.Scope,
		Label:     req.Label,
		SingleUse: req.SingleUse,
		TTL:       time.Duration(req.ExpiresInSec) * time.Second,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// The plaintext appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": plaintext,
		"key":     key,
	})
}

func (s *Server) apiListKeys(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Auth == nil {
		writeJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
		return
	}
	keys, err := s.deps.Auth.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) apiRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Auth == nil {
		writeError(w, admperr.Conflict("KEYS_DISABLED", "API key issuance is not enabled on this hub"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Auth.Revoke(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key_id": id, "revoked": true})
}
