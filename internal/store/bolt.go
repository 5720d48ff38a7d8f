package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents      = []byte(ColAgents)
	bucketAgentDIDs   = []byte("agent_dids")
	bucketMessages    = []byte(ColMessages)
	bucketInboxIndex  = []byte("inbox_index")
	bucketGroups      = []byte(ColGroups)
	bucketDomains     = []byte(ColDomains)
	bucketOutbox      = []byte(ColOutbox)
	bucketIssuedKeys  = []byte(ColIssuedKeys)
	bucketKeyHashes   = []byte(ColIssuedHashes)
	bucketRoundTables = []byte(ColRoundTables)
	bucketTenants     = []byte(ColTenants)
)

// Bolt is the durable single-node backend. Messages live in one bucket
// keyed by id; a nested per-recipient index bucket keeps FIFO order with
// big-endian created-at + sequence keys, so inbox reads are a cursor walk
// instead of a full scan. Bolt's single-writer transactions make the
// conditional transition atomic for free.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt creates or opens the database at path and ensures all buckets
// exist, including the layout-parity collections the core never writes.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAgents, bucketAgentDIDs, bucketMessages, bucketInboxIndex, bucketGroups, bucketDomains, bucketOutbox, bucketIssuedKeys, bucketKeyHashes, bucketRoundTables, bucketTenants} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// inboxKey orders a recipient's index: created-at millis then sequence,
// both big-endian so lexicographic bucket order is FIFO order.
func inboxKey(createdAtMS int64, seq int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(createdAtMS))
	binary.BigEndian.PutUint64(k[8:], uint64(seq))
	return k
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

// --- agents ---

func (s *Bolt) CreateAgent(_ context.Context, a *Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get([]byte(a.ID)) != nil {
			return ErrAlreadyExists
		}
		if err := putJSON(b, a.ID, a); err != nil {
			return err
		}
		if a.DID != "" {
			return tx.Bucket(bucketAgentDIDs).Put([]byte(a.DID), []byte(a.ID))
		}
		return nil
	})
}

func (s *Bolt) GetAgent(_ context.Context, id string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgents).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		a = new(Agent)
		return json.Unmarshal(v, a)
	})
	return a, err
}

func (s *Bolt) GetAgentByDID(_ context.Context, did string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAgentDIDs).Get([]byte(did))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketAgents).Get(id)
		if v == nil {
			return ErrNotFound
		}
		a = new(Agent)
		return json.Unmarshal(v, a)
	})
	return a, err
}

func (s *Bolt) UpdateAgent(_ context.Context, a *Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		v := b.Get([]byte(a.ID))
		if v == nil {
			return ErrNotFound
		}
		var old Agent
		if err := json.Unmarshal(v, &old); err == nil && old.DID != "" && old.DID != a.DID {
			if err := tx.Bucket(bucketAgentDIDs).Delete([]byte(old.DID)); err != nil {
				return err
			}
		}
		if err := putJSON(b, a.ID, a); err != nil {
			return err
		}
		if a.DID != "" {
			return tx.Bucket(bucketAgentDIDs).Put([]byte(a.DID), []byte(a.ID))
		}
		return nil
	})
}

func (s *Bolt) DeleteAgent(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var a Agent
		if err := json.Unmarshal(v, &a); err == nil && a.DID != "" {
			if err := tx.Bucket(bucketAgentDIDs).Delete([]byte(a.DID)); err != nil {
				return err
			}
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		// Inbox cascades with the agent: drop every indexed message, then
		// the index bucket itself.
		idx := tx.Bucket(bucketInboxIndex)
		sub := idx.Bucket([]byte(id))
		if sub != nil {
			msgs := tx.Bucket(bucketMessages)
			if err := sub.ForEach(func(_, mid []byte) error {
				return msgs.Delete(mid)
			}); err != nil {
				return err
			}
			if err := idx.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) ListAgents(_ context.Context, f AgentFilter) ([]*Agent, error) {
	var out []*Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return nil // skip malformed records
			}
			if f.AgentType != "" && a.AgentType != f.AgentType {
				return nil
			}
			if f.Status != "" && a.Status != f.Status {
				return nil
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Bucket order is already lexicographic by agent id.
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- messages ---

func (s *Bolt) CreateMessage(_ context.Context, m *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Get([]byte(m.ID)) != nil {
			return ErrAlreadyExists
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = int64(seq)
		if err := putJSON(b, m.ID, m); err != nil {
			return err
		}
		sub, err := tx.Bucket(bucketInboxIndex).CreateBucketIfNotExists([]byte(m.To))
		if err != nil {
			return err
		}
		return sub.Put(inboxKey(m.CreatedAtMS, m.Seq), []byte(m.ID))
	})
}

func (s *Bolt) GetMessage(_ context.Context, id string) (*Message, error) {
	var m *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		m = new(Message)
		return json.Unmarshal(v, m)
	})
	return m, err
}

func (s *Bolt) UpdateMessage(_ context.Context, id string, p MessagePatch, nowMS int64) (*Message, error) {
	var m *Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		m = new(Message)
		if err := json.Unmarshal(v, m); err != nil {
			return fmt.Errorf("unmarshal message %s: %w", id, err)
		}
		p.Apply(m, nowMS)
		return putJSON(b, id, m)
	})
	return m, err
}

func (s *Bolt) TransitionMessage(_ context.Context, id string, from []Status, p MessagePatch, nowMS int64) (*Message, bool, error) {
	var (
		m   *Message
		won bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		m = new(Message)
		if err := json.Unmarshal(v, m); err != nil {
			return fmt.Errorf("unmarshal message %s: %w", id, err)
		}
		if !statusIn(m.Status, from) {
			return nil
		}
		p.Apply(m, nowMS)
		won = true
		return putJSON(b, id, m)
	})
	return m, won, err
}

func (s *Bolt) DeleteMessage(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var m Message
		if err := json.Unmarshal(v, &m); err == nil {
			if sub := tx.Bucket(bucketInboxIndex).Bucket([]byte(m.To)); sub != nil {
				if err := sub.Delete(inboxKey(m.CreatedAtMS, m.Seq)); err != nil {
					return err
				}
			}
		}
		return b.Delete([]byte(id))
	})
}

func (s *Bolt) GetInbox(_ context.Context, agentID string, f InboxFilter) ([]*Message, error) {
	var out []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketInboxIndex).Bucket([]byte(agentID))
		if sub == nil {
			return nil
		}
		msgs := tx.Bucket(bucketMessages)
		c := sub.Cursor()
		for k, mid := c.First(); k != nil; k, mid = c.Next() {
			v := msgs.Get(mid)
			if v == nil {
				continue // index entry outlived the record
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if f.Status != "" && m.Status != f.Status {
				continue
			}
			out = append(out, &m)
			if f.Limit > 0 && len(out) == f.Limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *Bolt) GroupHistory(_ context.Context, groupID string, limit int) ([]*Message, error) {
	var all []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if m.GroupID == groupID {
				all = append(all, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dedupeHistory(all, limit), nil
}

// --- sweeps ---

// sweepMessages applies fn to every message and rewrites the ones fn
// mutates. Mutations are collected first so the iteration never observes
// its own writes.
func (s *Bolt) sweepMessages(fn func(*Message) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		var changed []*Message
		if err := b.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if fn(&m) {
				changed = append(changed, &m)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, m := range changed {
			if err := putJSON(b, m.ID, m); err != nil {
				return err
			}
		}
		n = len(changed)
		return nil
	})
	return n, err
}

func (s *Bolt) ExpireLeases(_ context.Context, nowMS int64) (int, error) {
	return s.sweepMessages(func(m *Message) bool {
		if !leaseExpired(m, nowMS) {
			return false
		}
		m.Status = StatusQueued
		m.LeaseUntilMS = 0
		m.UpdatedAtMS = nowMS
		return true
	})
}

func (s *Bolt) ExpireMessages(_ context.Context, nowMS int64) (int, error) {
	return s.sweepMessages(func(m *Message) bool {
		if !ttlExpired(m, nowMS) {
			return false
		}
		m.Status = StatusExpired
		m.LeaseUntilMS = 0
		m.UpdatedAtMS = nowMS
		return true
	})
}

func (s *Bolt) PurgeExpiredEphemeral(_ context.Context, nowMS int64) (int, error) {
	return s.sweepMessages(func(m *Message) bool {
		if !ephemeralDue(m, nowMS) {
			return false
		}
		purgeInPlace(m, PurgeReasonTTLExpired, nowMS)
		return true
	})
}

func (s *Bolt) CleanupTerminal(_ context.Context, nowMS, retentionMS int64) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		var doomed []*Message
		if err := b.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if retentionOver(&m, nowMS, retentionMS) {
				doomed = append(doomed, &m)
			}
			return nil
		}); err != nil {
			return err
		}
		idx := tx.Bucket(bucketInboxIndex)
		for _, m := range doomed {
			if sub := idx.Bucket([]byte(m.To)); sub != nil {
				if err := sub.Delete(inboxKey(m.CreatedAtMS, m.Seq)); err != nil {
					return err
				}
			}
			if err := b.Delete([]byte(m.ID)); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

// --- groups ---

func (s *Bolt) CreateGroup(_ context.Context, g *Group) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(g.ID)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(b, g.ID, g)
	})
}

func (s *Bolt) GetGroup(_ context.Context, id string) (*Group, error) {
	var g *Group
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketGroups).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		g = new(Group)
		return json.Unmarshal(v, g)
	})
	return g, err
}

func (s *Bolt) UpdateGroup(_ context.Context, g *Group) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(g.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, g.ID, g)
	})
}

func (s *Bolt) DeleteGroup(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *Bolt) ListGroups(_ context.Context, f GroupFilter) ([]*Group, error) {
	var out []*Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			var g Group
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			if f.Member != "" {
				if _, ok := g.Member(f.Member); !ok {
					return nil
				}
			}
			out = append(out, &g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortGroupsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- round tables ---

func (s *Bolt) CreateRoundTable(_ context.Context, rt *RoundTable) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoundTables)
		if b.Get([]byte(rt.ID)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(b, rt.ID, rt)
	})
}

func (s *Bolt) GetRoundTable(_ context.Context, id string) (*RoundTable, error) {
	var rt *RoundTable
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRoundTables).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		rt = new(RoundTable)
		return json.Unmarshal(v, rt)
	})
	return rt, err
}

func (s *Bolt) UpdateRoundTable(_ context.Context, rt *RoundTable) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoundTables)
		if b.Get([]byte(rt.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, rt.ID, rt)
	})
}

func (s *Bolt) DeleteRoundTable(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoundTables)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *Bolt) ListRoundTables(_ context.Context, f RoundTableFilter) ([]*RoundTable, error) {
	var out []*RoundTable
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoundTables).ForEach(func(_, v []byte) error {
			var rt RoundTable
			if err := json.Unmarshal(v, &rt); err != nil {
				return nil
			}
			if f.Status != "" && rt.Status != f.Status {
				return nil
			}
			if f.Participant != "" && !rt.Participant(f.Participant) {
				return nil
			}
			out = append(out, &rt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTablesNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- issued keys ---

func (s *Bolt) CreateIssuedKey(_ context.Context, k *IssuedKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssuedKeys)
		if b.Get([]byte(k.ID)) != nil {
			return ErrAlreadyExists
		}
		if err := putJSON(b, k.ID, k); err != nil {
			return err
		}
		if k.LookupHash != "" {
			return tx.Bucket(bucketKeyHashes).Put([]byte(k.LookupHash), []byte(k.ID))
		}
		return nil
	})
}

func (s *Bolt) GetIssuedKey(_ context.Context, id string) (*IssuedKey, error) {
	var k *IssuedKey
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIssuedKeys).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		k = new(IssuedKey)
		return json.Unmarshal(v, k)
	})
	return k, err
}

func (s *Bolt) GetIssuedKeyByLookupHash(_ context.Context, lookupHash string) (*IssuedKey, error) {
	var k *IssuedKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeyHashes).Get([]byte(lookupHash))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketIssuedKeys).Get(id)
		if v == nil {
			return ErrNotFound
		}
		k = new(IssuedKey)
		return json.Unmarshal(v, k)
	})
	return k, err
}

func (s *Bolt) UpdateIssuedKey(_ context.Context, k *IssuedKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssuedKeys)
		if b.Get([]byte(k.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, k.ID, k)
	})
}

func (s *Bolt) BurnSingleUseKey(_ context.Context, id string, nowMS int64) (bool, error) {
	var burned bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssuedKeys)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var k IssuedKey
		if err := json.Unmarshal(v, &k); err != nil {
			return fmt.Errorf("unmarshal issued key %s: %w", id, err)
		}
		if !k.SingleUse || k.Revoked || k.UsedAtMS != 0 {
			return nil
		}
		k.UsedAtMS = nowMS
		burned = true
		return putJSON(b, id, &k)
	})
	return burned, err
}

func (s *Bolt) ListIssuedKeys(_ context.Context) ([]*IssuedKey, error) {
	var out []*IssuedKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIssuedKeys).ForEach(func(_, v []byte) error {
			var k IssuedKey
			if err := json.Unmarshal(v, &k); err != nil {
				return nil
			}
			out = append(out, &k)
			return nil
		})
	})
	// Newest first, matching the other backends.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	return out, err
}

func (s *Bolt) DeleteIssuedKey(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssuedKeys)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var k IssuedKey
		if err := json.Unmarshal(v, &k); err == nil && k.LookupHash != "" {
			if err := tx.Bucket(bucketKeyHashes).Delete([]byte(k.LookupHash)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

func (s *Bolt) Stats(_ context.Context) (Stats, error) {
	st := Stats{Messages: make(map[Status]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Agents = tx.Bucket(bucketAgents).Stats().KeyN
		st.Groups = tx.Bucket(bucketGroups).Stats().KeyN
		st.RoundTables = tx.Bucket(bucketRoundTables).Stats().KeyN
		st.IssuedKeys = tx.Bucket(bucketIssuedKeys).Stats().KeyN
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			st.Messages[m.Status]++
			return nil
		})
	})
	return st, err
}
