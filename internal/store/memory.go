package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is the in-process backend: one map per collection behind a single
// mutex, so every operation is atomic by construction. Records are copied
// on the way in and out; callers never share memory with the store.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	byDID    map[string]string
	messages map[string]*Message
	groups   map[string]*Group
	tables   map[string]*RoundTable
	keys     map[string]*IssuedKey
	keyIndex map[string]string
	seq      int64
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*Agent),
		byDID:    make(map[string]string),
		messages: make(map[string]*Message),
		groups:   make(map[string]*Group),
		tables:   make(map[string]*RoundTable),
		keys:     make(map[string]*IssuedKey),
		keyIndex: make(map[string]string),
	}
}

func (s *Memory) Close() error { return nil }

// --- agents ---

func (s *Memory) CreateAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ErrAlreadyExists
	}
	s.agents[a.ID] = cloneAgent(a)
	if a.DID != "" {
		s.byDID[a.DID] = a.ID
	}
	return nil
}

func (s *Memory) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Memory) GetAgentByDID(_ context.Context, did string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDID[did]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Memory) UpdateAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	if old.DID != "" && old.DID != a.DID {
		delete(s.byDID, old.DID)
	}
	s.agents[a.ID] = cloneAgent(a)
	if a.DID != "" {
		s.byDID[a.DID] = a.ID
	}
	return nil
}

func (s *Memory) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	if a.DID != "" {
		delete(s.byDID, a.DID)
	}
	// Inbox cascades with the agent.
	for mid, m := range s.messages {
		if m.To == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *Memory) ListAgents(_ context.Context, f AgentFilter) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if f.AgentType != "" && a.AgentType != f.AgentType {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- messages ---

func (s *Memory) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return ErrAlreadyExists
	}
	s.seq++
	m.Seq = s.seq
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Memory) UpdateMessage(_ context.Context, id string, p MessagePatch, nowMS int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.Apply(m, nowMS)
	return cloneMessage(m), nil
}

func (s *Memory) TransitionMessage(_ context.Context, id string, from []Status, p MessagePatch, nowMS int64) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !statusIn(m.Status, from) {
		return cloneMessage(m), false, nil
	}
	p.Apply(m, nowMS)
	return cloneMessage(m), true, nil
}

func (s *Memory) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *Memory) GetInbox(_ context.Context, agentID string, f InboxFilter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.To != agentID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sortFIFO(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) GroupHistory(_ context.Context, groupID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	var all []*Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			all = append(all, cloneMessage(m))
		}
	}
	s.mu.RUnlock()
	return dedupeHistory(all, limit), nil
}

// --- sweeps ---

func (s *Memory) ExpireLeases(_ context.Context, nowMS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if leaseExpired(m, nowMS) {
			m.Status = StatusQueued
			m.LeaseUntilMS = 0
			m.UpdatedAtMS = nowMS
			n++
		}
	}
	return n, nil
}

func (s *Memory) ExpireMessages(_ context.Context, nowMS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if ttlExpired(m, nowMS) {
			m.Status = StatusExpired
			m.LeaseUntilMS = 0
			m.UpdatedAtMS = nowMS
			n++
		}
	}
	return n, nil
}

func (s *Memory) PurgeExpiredEphemeral(_ context.Context, nowMS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if ephemeralDue(m, nowMS) {
			purgeInPlace(m, PurgeReasonTTLExpired, nowMS)
			n++
		}
	}
	return n, nil
}

func (s *Memory) CleanupTerminal(_ context.Context, nowMS, retentionMS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if retentionOver(m, nowMS, retentionMS) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// --- groups ---

func (s *Memory) CreateGroup(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return ErrAlreadyExists
	}
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *Memory) GetGroup(_ context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (s *Memory) UpdateGroup(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		return ErrNotFound
	}
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *Memory) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	return nil
}

func (s *Memory) ListGroups(_ context.Context, f GroupFilter) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		if f.Member != "" {
			if _, ok := g.Member(f.Member); !ok {
				continue
			}
		}
		out = append(out, cloneGroup(g))
	}
	sortGroupsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- round tables ---

func (s *Memory) CreateRoundTable(_ context.Context, rt *RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[rt.ID]; ok {
		return ErrAlreadyExists
	}
	s.tables[rt.ID] = cloneRoundTable(rt)
	return nil
}

func (s *Memory) GetRoundTable(_ context.Context, id string) (*RoundTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.tables[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoundTable(rt), nil
}

func (s *Memory) UpdateRoundTable(_ context.Context, rt *RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[rt.ID]; !ok {
		return ErrNotFound
	}
	s.tables[rt.ID] = cloneRoundTable(rt)
	return nil
}

func (s *Memory) DeleteRoundTable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[id]; !ok {
		return ErrNotFound
	}
	delete(s.tables, id)
	return nil
}

func (s *Memory) ListRoundTables(_ context.Context, f RoundTableFilter) ([]*RoundTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RoundTable, 0, len(s.tables))
	for _, rt := range s.tables {
		if f.Status != "" && rt.Status != f.Status {
			continue
		}
		if f.Participant != "" && !rt.Participant(f.Participant) {
			continue
		}
		out = append(out, cloneRoundTable(rt))
	}
	sortTablesNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- issued keys ---

func (s *Memory) CreateIssuedKey(_ context.Context, k *IssuedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return ErrAlreadyExists
	}
	kc := *k
	s.keys[k.ID] = &kc
	if k.LookupHash != "" {
		s.keyIndex[k.LookupHash] = k.ID
	}
	return nil
}

func (s *Memory) GetIssuedKey(_ context.Context, id string) (*IssuedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	kc := *k
	return &kc, nil
}

func (s *Memory) GetIssuedKeyByLookupHash(_ context.Context, lookupHash string) (*IssuedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyIndex[lookupHash]
	if !ok {
		return nil, ErrNotFound
	}
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	kc := *k
	return &kc, nil
}

func (s *Memory) UpdateIssuedKey(_ context.Context, k *IssuedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; !ok {
		return ErrNotFound
	}
	kc := *k
	s.keys[k.ID] = &kc
	return nil
}

func (s *Memory) BurnSingleUseKey(_ context.Context, id string, nowMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return false, ErrNotFound
	}
	if !k.SingleUse || k.Revoked || k.UsedAtMS != 0 {
		return false, nil
	}
	k.UsedAtMS = nowMS
	return true, nil
}

func (s *Memory) ListIssuedKeys(_ context.Context) ([]*IssuedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*IssuedKey, 0, len(s.keys))
	for _, k := range s.keys {
		kc := *k
		out = append(out, &kc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	return out, nil
}

func (s *Memory) DeleteIssuedKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.keys, id)
	if k.LookupHash != "" {
		delete(s.keyIndex, k.LookupHash)
	}
	return nil
}

func (s *Memory) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Agents:      len(s.agents),
		Groups:      len(s.groups),
		RoundTables: len(s.tables),
		IssuedKeys:  len(s.keys),
		Messages:    make(map[Status]int),
	}
	for _, m := range s.messages {
		st.Messages[m.Status]++
	}
	return st, nil
}
