package store

import "sort"

// Shared record helpers. The sweep predicates live here so every backend
// expires, purges and reclaims by exactly the same rules.

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// leaseExpired: a leased message whose visibility deadline has passed.
func leaseExpired(m *Message, nowMS int64) bool {
	return m.Status == StatusLeased && m.LeaseUntilMS > 0 && m.LeaseUntilMS < nowMS
}

// ttlExpired: a live message older than its ttl_sec.
func ttlExpired(m *Message, nowMS int64) bool {
	if m.Status != StatusQueued && m.Status != StatusLeased {
		return false
	}
	return m.TTLSec > 0 && nowMS-m.CreatedAtMS > m.TTLSec*1000
}

// ephemeralDue: an ephemeral message past its expiry that still carries a
// body or a non-purged status.
func ephemeralDue(m *Message, nowMS int64) bool {
	return m.ExpiresAtMS > 0 && m.ExpiresAtMS < nowMS && m.Status != StatusPurged
}

// retentionOver: acked and expired records are deleted once the retention
// window has elapsed since their last update. Purged records are kept so
// the privacy metadata stays inspectable.
func retentionOver(m *Message, nowMS, retentionMS int64) bool {
	if m.Status != StatusAcked && m.Status != StatusExpired {
		return false
	}
	return nowMS-m.UpdatedAtMS > retentionMS
}

func purgeInPlace(m *Message, reason string, nowMS int64) {
	m.Status = StatusPurged
	m.Body = nil
	m.LeaseUntilMS = 0
	m.PurgedAtMS = nowMS
	m.PurgeReason = reason
	m.UpdatedAtMS = nowMS
}

// sortFIFO orders messages oldest first by created_at with the backend
// sequence breaking same-millisecond ties.
func sortFIFO(ms []*Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAtMS != ms[j].CreatedAtMS {
			return ms[i].CreatedAtMS < ms[j].CreatedAtMS
		}
		return ms[i].Seq < ms[j].Seq
	})
}

// dedupeHistory returns group history newest first with one entry per
// group_message_id, capped at limit.
func dedupeHistory(ms []*Message, limit int) []*Message {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAtMS != ms[j].CreatedAtMS {
			return ms[i].CreatedAtMS > ms[j].CreatedAtMS
		}
		return ms[i].Seq > ms[j].Seq
	})
	seen := make(map[string]bool, len(ms))
	out := make([]*Message, 0, len(ms))
	for _, m := range ms {
		key := m.GroupMessageID
		if key == "" {
			key = m.ID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func sortGroupsNewestFirst(gs []*Group) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].CreatedAtMS > gs[j].CreatedAtMS })
}

func sortTablesNewestFirst(rts []*RoundTable) {
	sort.Slice(rts, func(i, j int) bool { return rts[i].CreatedAtMS > rts[j].CreatedAtMS })
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.PublicKeys = append([]KeyEntry(nil), a.PublicKeys...)
	c.TrustedAgents = append([]string(nil), a.TrustedAgents...)
	if a.Webhook != nil {
		w := *a.Webhook
		c.Webhook = &w
	}
	c.Metadata = append([]byte(nil), a.Metadata...)
	return &c
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	c.Result = append([]byte(nil), m.Result...)
	if m.Signature != nil {
		sig := *m.Signature
		c.Signature = &sig
	}
	return &c
}

func cloneGroup(g *Group) *Group {
	c := *g
	c.Members = append([]GroupMember(nil), g.Members...)
	return &c
}

func cloneRoundTable(rt *RoundTable) *RoundTable {
	c := *rt
	c.Participants = append([]string(nil), rt.Participants...)
	c.Thread = make([]RTEntry, len(rt.Thread))
	for i, e := range rt.Thread {
		e.Content = append([]byte(nil), e.Content...)
		c.Thread[i] = e
	}
	c.Resolution = append([]byte(nil), rt.Resolution...)
	return &c
}
