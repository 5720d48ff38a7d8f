package web

import (
	"encoding/json"
	"net/http"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/envelope"
	"github.com/agentdispatch/admp-hub/internal/inbox"
)

func (s *Server) apiSend(w http.ResponseWriter, r *http.Request) {
	to := r.PathValue("to")
	var env envelope.Envelope
	if err := s.decodeJSON(r, w, &env); err != nil {
		writeError(w, err)
		return
	}
	if env.To == "" {
		env.To = to
	} else if env.To != to {
		writeError(w, admperr.Validation("RECIPIENT_MISMATCH", "envelope to %q does not match path recipient %q", env.To, to))
		return
	}
	res, err := s.deps.Inbox.Send(r.Context(), &env)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type pullRequest struct {
	VisibilityTimeout int64 `json:"visibility_timeout,omitempty"` // seconds
}

func (s *Server) apiPull(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req pullRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.deps.Inbox.Pull(r.Context(), id, req.VisibilityTimeout)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) apiInboxStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.deps.Inbox.Stats(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "counts": counts})
}

func (s *Server) apiReclaim(w http.ResponseWriter, r *http.Request) {
	if err := requireActFor(r, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.deps.Inbox.Reclaim(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed": n})
}

type ackRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) apiAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req ackRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.deps.Inbox.Ack(r.Context(), id, r.PathValue("mid"), req.Result)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": m.ID, "status": m.Status})
}

type nackRequest struct {
	ExtendSec int64 `json:"extend_sec,omitempty"`
	Requeue   bool  `json:"requeue,omitempty"`
}

func (s *Server) apiNack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req nackRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	extend := req.ExtendSec
	if req.Requeue {
		extend = 0
	}
	m, err := s.deps.Inbox.Nack(r.Context(), id, r.PathValue("mid"), extend)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id":     m.ID,
		"status":         m.Status,
		"lease_until_ms": m.LeaseUntilMS,
	})
}

func (s *Server) apiReply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := requireActFor(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req inbox.ReplyRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Inbox.Reply(r.Context(), id, r.PathValue("mid"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiMessageStatus(w http.ResponseWriter, r *http.Request) {
	rec, gone, err := s.deps.Inbox.Status(r.Context(), r.PathValue("mid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if gone {
		// Purged ephemeral: the skeleton record is all that remains.
		writeJSON(w, http.StatusGone, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
