package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/group"
	"github.com/agentdispatch/admp-hub/internal/store"
)

type createGroupRequest struct {
	AgentID        string `json:"agent_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Access         string `json:"access,omitempty"`
	JoinKey        string `json:"join_key,omitempty"`
	HistoryVisible *bool  `json:"history_visible,omitempty"`
	MaxMembers     int    `json:"max_members,omitempty"`
	MessageTTLSec  int64  `json:"message_ttl_sec,omitempty"`
}

func (s *Server) apiCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id is required"))
		return
	}
	if err := requireActFor(r, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.deps.Groups.Create(r.Context(), req.AgentID, group.CreateRequest{
		Name:           req.Name,
		Description:    req.Description,
		Access:         req.Access,
		JoinKey:        req.JoinKey,
		HistoryVisible: req.HistoryVisible,
		MaxMembers:     req.MaxMembers,
		MessageTTLSec:  req.MessageTTLSec,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) apiListGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	groups, err := s.deps.Groups.List(r.Context(), store.GroupFilter{
		Member: q.Get("member"),
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) apiGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) apiDeleteGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id is required"))
		return
	}
	if err := requireActFor(r, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Groups.Delete(r.Context(), id, req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "deleted": true})
}

type joinGroupRequest struct {
	AgentID string `json:"agent_id"`
	JoinKey string `json:"join_key,omitempty"`
}

func (s *Server) apiJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req joinGroupRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id is required"))
		return
	}
	if err := requireActFor(r, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.deps.Groups.Join(r.Context(), r.PathValue("id"), req.AgentID, req.JoinKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) apiLeaveGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id is required"))
		return
	}
	if err := requireActFor(r, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Groups.Leave(r.Context(), id, req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "left": true})
}

func (s *Server) apiGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.deps.Groups.Members(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type memberRequest struct {
	Actor   string `json:"actor"`
	AgentID string `json:"agent_id"`
}

func (s *Server) apiAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" || req.AgentID == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "actor and agent_id are required"))
		return
	}
	if err := requireActFor(r, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.deps.Groups.AddMember(r.Context(), r.PathValue("id"), req.Actor, req.AgentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) apiRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := s.decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "actor is required"))
		return
	}
	if err := requireActFor(r, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.deps.Groups.RemoveMember(r.Context(), r.PathValue("id"), req.Actor, r.PathValue("agent"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type postGroupRequest struct {
	From      string          `json:"from"`
	Type      string          `json:"type,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Ephemeral bool            `json:"ephemeral,omitempty"`
}

func (s *Server) apiPostGroup(w http.ResponseWriter, r *http.Request) {
	var req postGroupRequest
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
	res, err := s.deps.Groups.Post(r.Context(), r.PathValue("id"), req.From, group.PostRequest{
		Type:      req.Type,
		Subject:   req.Subject,
		Body:      req.Body,
		Ephemeral: req.Ephemeral,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiGroupHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	caller := q.Get("agent_id")
	if caller == "" {
		writeError(w, admperr.Validation("MISSING_FIELD", "agent_id query parameter is required"))
		return
	}
	if err := requireActFor(r, caller); err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := s.deps.Groups.History(r.Context(), r.PathValue("id"), caller, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
