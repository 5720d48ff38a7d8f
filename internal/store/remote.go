package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
)

// RemoteConfig parameterizes the hosted document-store backend.
type RemoteConfig struct {
	BaseURL   string
	AppID     string
	APIKey    string
	Timeout   time.Duration
	CacheSize int
}

// Remote persists collections in a hosted document store reached over
// HTTP. The store is eventually consistent; compound transitions are
// approximated with read-then-conditional-write, which narrows but does
// not close the race window. A circuit breaker sheds load when the remote
// misbehaves, and a small LRU keeps hot agent records out of the request
// path.
type Remote struct {
	baseURL    string
	appID      string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	agentCache *lru.Cache[string, *Agent]
	seq        atomic.Int64
}

// NewRemote builds the client. It performs no I/O; the first request
// decides whether the remote is reachable.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" || cfg.AppID == "" {
		return nil, fmt.Errorf("remote store requires base URL and app id")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	cache, err := lru.New[string, *Agent](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("agent cache: %w", err)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Remote{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appID:      cfg.AppID,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    cb,
		agentCache: cache,
	}, nil
}

func (s *Remote) Close() error { return nil }

type queryRequest struct {
	Filter    map[string]string `json:"filter,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	CountOnly bool              `json:"count_only,omitempty"`
}

type queryResponse struct {
	Documents []json.RawMessage `json:"documents"`
	Total     int               `json:"total"`
}

func (s *Remote) docPath(col, id string) string {
	return fmt.Sprintf("/v1/apps/%s/collections/%s/documents/%s", s.appID, col, id)
}

func (s *Remote) queryPath(col string) string {
	return fmt.Sprintf("/v1/apps/%s/collections/%s/query", s.appID, col)
}

func (s *Remote) createDoc(ctx context.Context, col, id string, v any) error {
	return s.send(ctx, http.MethodPost, s.docPath(col, id), v, nil)
}

func (s *Remote) getDoc(ctx context.Context, col, id string, out any) error {
	return s.send(ctx, http.MethodGet, s.docPath(col, id), nil, out)
}

func (s *Remote) putDoc(ctx context.Context, col, id string, v any) error {
	return s.send(ctx, http.MethodPut, s.docPath(col, id), v, nil)
}

func (s *Remote) deleteDoc(ctx context.Context, col, id string) error {
	return s.send(ctx, http.MethodDelete, s.docPath(col, id), nil, nil)
}

func (s *Remote) query(ctx context.Context, col string, q queryRequest) (queryResponse, error) {
	var resp queryResponse
	err := s.send(ctx, http.MethodPost, s.queryPath(col), q, &resp)
	return resp, err
}

func (s *Remote) send(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	_, err = s.breaker.Execute(func() (any, error) {
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusConflict:
			return nil, ErrAlreadyExists
		case resp.StatusCode >= 400:
			b, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("remote store error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	return err
}

// --- agents ---

func (s *Remote) CreateAgent(ctx context.Context, a *Agent) error {
	if err := s.createDoc(ctx, ColAgents, a.ID, a); err != nil {
		return err
	}
	s.agentCache.Add(a.ID, cloneAgent(a))
	return nil
}

func (s *Remote) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if a, ok := s.agentCache.Get(id); ok {
		return cloneAgent(a), nil
	}
	var a Agent
	if err := s.getDoc(ctx, ColAgents, id, &a); err != nil {
		return nil, err
	}
	s.agentCache.Add(id, cloneAgent(&a))
	return &a, nil
}

func (s *Remote) GetAgentByDID(ctx context.Context, did string) (*Agent, error) {
	resp, err := s.query(ctx, ColAgents, queryRequest{Filter: map[string]string{"did": did}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(resp.Documents) == 0 {
		return nil, ErrNotFound
	}
	var a Agent
	if err := json.Unmarshal(resp.Documents[0], &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &a, nil
}

func (s *Remote) UpdateAgent(ctx context.Context, a *Agent) error {
	if err := s.putDoc(ctx, ColAgents, a.ID, a); err != nil {
		return err
	}
	s.agentCache.Add(a.ID, cloneAgent(a))
	return nil
}

func (s *Remote) DeleteAgent(ctx context.Context, id string) error {
	if err := s.deleteDoc(ctx, ColAgents, id); err != nil {
		return err
	}
	s.agentCache.Remove(id)
	// Best-effort inbox cascade; a sweep finishes anything this misses.
	resp, err := s.query(ctx, ColMessages, queryRequest{Filter: map[string]string{"to": id}})
	if err != nil {
		return nil
	}
	for _, doc := range resp.Documents {
		var m Message
		if json.Unmarshal(doc, &m) == nil && m.ID != "" {
			_ = s.deleteDoc(ctx, ColMessages, m.ID)
		}
	}
	return nil
}

func (s *Remote) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	filter := map[string]string{}
	if f.AgentType != "" {
		filter["agent_type"] = f.AgentType
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	resp, err := s.query(ctx, ColAgents, queryRequest{Filter: filter, Limit: f.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		var a Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// --- messages ---

func (s *Remote) CreateMessage(ctx context.Context, m *Message) error {
	m.Seq = s.seq.Add(1)
	return s.createDoc(ctx, ColMessages, m.ID, m)
}

func (s *Remote) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := s.getDoc(ctx, ColMessages, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Remote) UpdateMessage(ctx context.Context, id string, p MessagePatch, nowMS int64) (*Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Apply(m, nowMS)
	if err := s.putDoc(ctx, ColMessages, id, m); err != nil {
		return nil, err
	}
	return m, nil
}

// TransitionMessage is read-then-conditional-write against the remote: the
// status check happens on the freshly read document, the write follows
// immediately. Two hubs racing the same record can still both pass the
// check; the window is accepted for this backend.
func (s *Remote) TransitionMessage(ctx context.Context, id string, from []Status, p MessagePatch, nowMS int64) (*Message, bool, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !statusIn(m.Status, from) {
		return m, false, nil
	}
	p.Apply(m, nowMS)
	if err := s.putDoc(ctx, ColMessages, id, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Remote) DeleteMessage(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, ColMessages, id)
}

func (s *Remote) GetInbox(ctx context.Context, agentID string, f InboxFilter) ([]*Message, error) {
	filter := map[string]string{"to": agentID}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	resp, err := s.query(ctx, ColMessages, queryRequest{Filter: filter})
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		var m Message
		if err := json.Unmarshal(doc, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	sortFIFO(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Remote) GroupHistory(ctx context.Context, groupID string, limit int) ([]*Message, error) {
	resp, err := s.query(ctx, ColMessages, queryRequest{Filter: map[string]string{"group_id": groupID}})
	if err != nil {
		return nil, err
	}
	all := make([]*Message, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		var m Message
		if err := json.Unmarshal(doc, &m); err != nil {
			continue
		}
		all = append(all, &m)
	}
	return dedupeHistory(all, limit), nil
}

// --- sweeps ---

// sweepQuery fetches candidates by status and rewrites the ones fn
// mutates. Remote queries are equality-only, so the time predicates run
// hub-side.
func (s *Remote) sweepQuery(ctx context.Context, statuses []Status, fn func(*Message) bool) (int, error) {
	n := 0
	for _, status := range statuses {
		resp, err := s.query(ctx, ColMessages, queryRequest{Filter: map[string]string{"status": string(status)}})
		if err != nil {
			return n, err
		}
		for _, doc := range resp.Documents {
			var m Message
			if err := json.Unmarshal(doc, &m); err != nil {
				continue
			}
			if !fn(&m) {
				continue
			}
			if err := s.putDoc(ctx, ColMessages, m.ID, &m); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *Remote) ExpireLeases(ctx context.Context, nowMS int64) (int, error) {
	return s.sweepQuery(ctx, []Status{StatusLeased}, func(m *Message) bool {
		if !leaseExpired(m, nowMS) {
			return false
		}
		m.Status = StatusQueued
		m.LeaseUntilMS = 0
		m.UpdatedAtMS = nowMS
		return true
	})
}

func (s *Remote) ExpireMessages(ctx context.Context, nowMS int64) (int, error) {
	return s.sweepQuery(ctx, []Status{StatusQueued, StatusLeased}, func(m *Message) bool {
		if !ttlExpired(m, nowMS) {
			return false
		}
		m.Status = StatusExpired
		m.LeaseUntilMS = 0
		m.UpdatedAtMS = nowMS
		return true
	})
}

func (s *Remote) PurgeExpiredEphemeral(ctx context.Context, nowMS int64) (int, error) {
	return s.sweepQuery(ctx, []Status{StatusQueued, StatusLeased, StatusAcked, StatusExpired, StatusFailed}, func(m *Message) bool {
		if !ephemeralDue(m, nowMS) {
			return false
		}
		purgeInPlace(m, PurgeReasonTTLExpired, nowMS)
		return true
	})
}

func (s *Remote) CleanupTerminal(ctx context.Context, nowMS, retentionMS int64) (int, error) {
	n := 0
	for _, status := range []Status{StatusAcked, StatusExpired} {
		resp, err := s.query(ctx, ColMessages, queryRequest{Filter: map[string]string{"status": string(status)}})
		if err != nil {
			return n, err
		}
		for _, doc := range resp.Documents {
			var m Message
			if err := json.Unmarshal(doc, &m); err != nil {
				continue
			}
			if !retentionOver(&m, nowMS, retentionMS) {
				continue
			}
			if err := s.deleteDoc(ctx, ColMessages, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// --- groups ---

func (s *Remote) CreateGroup(ctx context.Context, g *Group) error {
	return s.createDoc(ctx, ColGroups, g.ID, g)
}

func (s *Remote) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	if err := s.getDoc(ctx, ColGroups, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Remote) UpdateGroup(ctx context.Context, g *Group) error {
	return s.putDoc(ctx, ColGroups, g.ID, g)
}

func (s *Remote) DeleteGroup(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, ColGroups, id)
}

func (s *Remote) ListGroups(ctx context.Context, f GroupFilter) ([]*Group, error) {
	resp, err := s.query(ctx, ColGroups, queryRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]*Group, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		var g Group
		if err := json.Unmarshal(doc, &g); err != nil {
			continue
		}
		if f.Member != "" {
			if _, ok := g.Member(f.Member); !ok {
				continue
			}
		}
		out = append(out, &g)
	}
	sortGroupsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- round tables ---

func (s *Remote) CreateRoundTable(ctx context.Context, rt *RoundTable) error {
	return s.createDoc(ctx, ColRoundTables, rt.ID, rt)
}

func (s *Remote) GetRoundTable(ctx context.Context, id string) (*RoundTable, error) {
	var rt RoundTable
	if err := s.getDoc(ctx, ColRoundTables, id, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *Remote) UpdateRoundTable(ctx context.Context, rt *RoundTable) error {
	return s.putDoc(ctx, ColRoundTables, rt.ID, rt)
}

func (s *Remote) DeleteRoundTable(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, ColRoundTables, id)
}

func (s *Remote) ListRoundTables(ctx context.Context, f RoundTableFilter) ([]*RoundTable, error) {
	filter := map[string]string{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	resp, err := s.query(ctx, ColRoundTables, queryRequest{Filter: filter})
	if err != nil {
		return nil, err
	}
	out := make([]*RoundTable, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		var rt RoundTable
		if err := json.Unmarshal(doc, &rt); err != nil {
			continue
		}
		if f.Participant != "" && !rt.Participant(f.Participant) {
			continue
		}
		out = append(out, &rt)
	}
	sortTablesNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- issued keys ---

type hashIndexDoc struct {
	KeyID string `json:"key_id"`
}

func (s *Remote) CreateIssuedKey(ctx context.Context, k *IssuedKey) error {
	if err := s.createDoc(ctx, ColIssuedKeys, k.ID, k); err != nil {
		return err
	}
	if k.LookupHash != "" {
		return s.putDoc(ctx, ColIssuedHashes, k.LookupHash, hashIndexDoc{KeyID: k.ID})
	}
	return nil
}

func (s *Remote) GetIssuedKey(ctx context.Context, id string) (*IssuedKey, error) {
	var k IssuedKey
	if err := s.getDoc(ctx, ColIssuedKeys, id, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Remote) GetIssuedKeyByLookupHash(ctx context.Context, lookupHash string) (*IssuedKey, error) {
	var idx hashIndexDoc
	if err := s.getDoc(ctx, ColIssuedHashes, lookupHash, &idx); err != nil {
		return nil, err
	}
	return s.GetIssuedKey(ctx, idx.KeyID)
}

func (s *Remote) UpdateIssuedKey(ctx context.Context, k *IssuedKey) error {
	return s.putDoc(ctx, ColIssuedKeys, k.ID, k)
}

// BurnSingleUseKey approximates the atomic burn: read, check unused, write
// used_at. The spec accepts this narrower race window on the remote
// backend.
func (s *Remote) BurnSingleUseKey(ctx context.Context, id string, nowMS int64) (bool, error) {
	k, err := s.GetIssuedKey(ctx, id)
	if err != nil {
		return false, err
	}
	if !k.SingleUse || k.Revoked || k.UsedAtMS != 0 {
		return false, nil
	}
	k.UsedAtMS = nowMS
	if err := s.UpdateIssuedKey(ctx, k); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Remote) ListIssuedKeys(ctx context.Context) ([]*IssuedKey, error) {
	resp, err := s.query(ctx, ColIssuedKeys, queryRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]*IssuedKey, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		var k IssuedKey
		if err := json.Unmarshal(doc, &k); err != nil {
			continue
		}
		out = append(out, &k)
	}
	// Newest first, matching the other backends.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	return out, nil
}

func (s *Remote) DeleteIssuedKey(ctx context.Context, id string) error {
	k, err := s.GetIssuedKey(ctx, id)
	if err != nil {
		return err
	}
	if k.LookupHash != "" {
		if err := s.deleteDoc(ctx, ColIssuedHashes, k.LookupHash); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return s.deleteDoc(ctx, ColIssuedKeys, id)
}

func (s *Remote) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Messages: make(map[Status]int)}
	for col, dst := range map[string]*int{
		ColAgents:      &st.Agents,
		ColGroups:      &st.Groups,
		ColRoundTables: &st.RoundTables,
		ColIssuedKeys:  &st.IssuedKeys,
	} {
		resp, err := s.query(ctx, col, queryRequest{CountOnly: true})
		if err != nil {
			return st, err
		}
		*dst = resp.Total
	}
	for _, status := range []Status{StatusQueued, StatusLeased, StatusAcked, StatusPurged, StatusExpired, StatusFailed} {
		resp, err := s.query(ctx, ColMessages, queryRequest{Filter: map[string]string{"status": string(status)}, CountOnly: true})
		if err != nil {
			return st, err
		}
		if resp.Total > 0 {
			st.Messages[status] = resp.Total
		}
	}
	return st, nil
}
