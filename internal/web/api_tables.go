package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/roundtable"
	"github.com/agentdispatch/admp-hub/internal/store"
)

type createTableRequest struct {
	Facilitator  string   `json:"facilitator"`
	Topic        string   `json:"topic"`
	Goal         string   `json:"goal,omitempty"`
	Participants []string `json:"participants"`
	ExpiresInSec int64    `json:"expires_in_sec,omitempty"`
}

func (s *Server) apiCreateTable(w http.ResponseWriter, r *http.Request) {
	var req createTableRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Facilitator == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "facilitator is required"))
		return
	}
	if err := requireActFor(r, req.Facilitator); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.deps.Tables.Create(r.Context(), req.Facilitator, roundtable.CreateRequest{
		Topic:        req.Topic,
		Goal:         req.Goal,
		Participants: req.Participants,
		ExpiresIn:    time.Duration(req.ExpiresInSec) * time.Second,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) apiListTables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	f := store.RoundTableFilter{
		Status:      q.Get("status"),
		Participant: q.Get("participant"),
		Limit:       limit,
	}
	// Non-admins only see tables they sit at.
	p := principal(r)
	if !p.Admin() {
		if f.Participant == "" {
			writeError(w, admperr.Validation("MISSING_FIELD", "participant query parameter is required"))
			return
		}
		if err := requireActFor(r, f.Participant); err != nil {
			writeError(w, err)
			return
		}
	}
	tables, err := s.deps.Tables.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_tables": tables})
}

func (s *Server) apiGetTable(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("agent_id")
	if caller == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id query parameter is required"))
		return
	}
	if err := requireActFor(r, caller); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.deps.Tables.Get(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

type speakRequest struct {
	From    string          `json:"from"`
	Content json.RawMessage `json:"content"`
}

func (s *Server) apiSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.From == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "from is required"))
		return
	}
	if err := requireActFor(r, req.From); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.deps.Tables.Speak(r.Context(), r.PathValue("id"), req.From, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type resolveRequest struct {
	From     string `json:"from"`
	Outcome  string `json:"outcome"`
	Decision string `json:"decision,omitempty"`
}

func (s *Server) apiResolveTable(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.From == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "from is required"))
		return
	}
	if err := requireActFor(r, req.From); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.deps.Tables.Resolve(r.Context(), r.PathValue("id"), req.From, req.Outcome, req.Decision)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
