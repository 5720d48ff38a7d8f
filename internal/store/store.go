// Package store defines the hub's persistence contract and its backends.
// The contract is deliberately narrow: single-record CRUD per collection,
// bulk sweep operations, and one conditional transition primitive that
// backends must make atomic so lease handoff stays exactly-once per pull.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentdispatch/admp-hub/internal/envelope"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned on duplicate creation.
	ErrAlreadyExists = errors.New("record already exists")
)

// Collection names shared by every backend: bolt buckets, memory maps and
// remote document collections all use the same layout.
const (
	ColAgents       = "agents"
	ColMessages     = "messages"
	ColGroups       = "groups"
	ColDomains      = "domains"
	ColOutbox       = "outbox"
	ColIssuedKeys   = "issued_api_keys"
	ColIssuedHashes = "issued_api_key_hashes"
	ColRoundTables  = "round_tables"
	ColTenants      = "tenants"
)

// Collections lists every collection a backend provisions, including the
// ones reserved for side channels the hub core does not drive.
var Collections = []string{
	ColAgents, ColMessages, ColGroups, ColDomains, ColOutbox,
	ColIssuedKeys, ColIssuedHashes, ColRoundTables, ColTenants,
}

// Status is a message's lifecycle state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusLeased  Status = "leased"
	StatusAcked   Status = "acked"
	StatusPurged  Status = "purged"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Terminal reports whether a status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusAcked, StatusPurged, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// AgentStatus values derived from heartbeats.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// KeyEntry is one Ed25519 public key bound to an agent. A retired key
// stays verifiable until GraceUntilMS passes.
type KeyEntry struct {
	Kid          string `json:"kid"`
	PublicKey    string `json:"public_key"`
	AddedAtMS    int64  `json:"added_at_ms"`
	RetiredAtMS  int64  `json:"retired_at_ms,omitempty"`
	GraceUntilMS int64  `json:"grace_until_ms,omitempty"`
}

// Usable reports whether the key may verify signatures at the given time:
// either active, or retired but inside its grace window.
func (k KeyEntry) Usable(nowMS int64) bool {
	return k.RetiredAtMS == 0 || nowMS <= k.GraceUntilMS
}

// Webhook is an agent's push delivery target.
type Webhook struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// Agent is a registered participant.
type Agent struct {
	ID            string          `json:"agent_id"`
	DisplayName   string          `json:"display_name,omitempty"`
	AgentType     string          `json:"agent_type,omitempty"`
	DID           string          `json:"did,omitempty"`
	DIDMethod     string          `json:"did_method,omitempty"`
	PublicKeys    []KeyEntry      `json:"public_keys"`
	Webhook       *Webhook        `json:"webhook,omitempty"`
	TrustedAgents []string        `json:"trusted_agents,omitempty"`
	Status        string          `json:"status"`
	LastSeenMS    int64           `json:"last_seen_ms"`
	CreatedAtMS   int64           `json:"created_at_ms"`
	UpdatedAtMS   int64           `json:"updated_at_ms"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// UsableKeys returns the keys allowed to verify at the given time.
func (a *Agent) UsableKeys(nowMS int64) []KeyEntry {
	out := make([]KeyEntry, 0, len(a.PublicKeys))
	for _, k := range a.PublicKeys {
		if k.Usable(nowMS) {
			out = append(out, k)
		}
	}
	return out
}

// Trusts reports whether the agent accepts envelopes from the sender. An
// empty trust list accepts everyone.
func (a *Agent) Trusts(sender string) bool {
	if len(a.TrustedAgents) == 0 {
		return true
	}
	for _, t := range a.TrustedAgents {
		if t == sender {
			return true
		}
	}
	return false
}

// Message is a brokered envelope plus its delivery state. Seq is assigned
// by the backend at creation and breaks FIFO ties between messages created
// in the same millisecond.
type Message struct {
	envelope.Envelope
	Status           Status          `json:"status"`
	Seq              int64           `json:"seq,omitempty"`
	LeaseUntilMS     int64           `json:"lease_until_ms,omitempty"`
	Attempts         int             `json:"attempts"`
	CreatedAtMS      int64           `json:"created_at_ms"`
	UpdatedAtMS      int64           `json:"updated_at_ms"`
	AckedAtMS        int64           `json:"acked_at_ms,omitempty"`
	ExpiresAtMS      int64           `json:"expires_at_ms,omitempty"`
	PurgedAtMS       int64           `json:"purged_at_ms,omitempty"`
	PurgeReason      string          `json:"purge_reason,omitempty"`
	WebhookDelivered bool            `json:"webhook_delivered,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	GroupID          string          `json:"group_id,omitempty"`
	GroupMessageID   string          `json:"group_message_id,omitempty"`
}

// Purge reasons recorded when an ephemeral body is stripped.
const (
	PurgeReasonAcked      = "acked"
	PurgeReasonTTLExpired = "ttl_expired"
)

// MessagePatch is a last-writer-wins partial update. Nil fields are left
// untouched; StripBody clears the envelope body on purge.
type MessagePatch struct {
	Status            *Status
	LeaseUntilMS      *int64
	IncrementAttempts bool
	AckedAtMS         *int64
	ExpiresAtMS       *int64
	PurgedAtMS        *int64
	PurgeReason       *string
	StripBody         bool
	WebhookDelivered  *bool
	Result            json.RawMessage
}

// Apply mutates m in place and bumps updated_at. Backends call this inside
// whatever mutual exclusion they provide.
func (p MessagePatch) Apply(m *Message, nowMS int64) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.LeaseUntilMS != nil {
		m.LeaseUntilMS = *p.LeaseUntilMS
	}
	if p.IncrementAttempts {
		m.Attempts++
	}
	if p.AckedAtMS != nil {
		m.AckedAtMS = *p.AckedAtMS
	}
	if p.ExpiresAtMS != nil {
		m.ExpiresAtMS = *p.ExpiresAtMS
	}
	if p.PurgedAtMS != nil {
		m.PurgedAtMS = *p.PurgedAtMS
	}
	if p.PurgeReason != nil {
		m.PurgeReason = *p.PurgeReason
	}
	if p.StripBody {
		m.Body = nil
	}
	if p.WebhookDelivered != nil {
		m.WebhookDelivered = *p.WebhookDelivered
	}
	if p.Result != nil {
		m.Result = p.Result
	}
	m.UpdatedAtMS = nowMS
}

// GroupMember is one roster entry.
type GroupMember struct {
	AgentID    string `json:"agent_id"`
	Role       string `json:"role"`
	JoinedAtMS int64  `json:"joined_at_ms"`
}

// Group roles and access modes.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"

	AccessOpen         = "open"
	AccessKeyProtected = "key_protected"
	AccessInviteOnly   = "invite_only"
)

// GroupSettings are per-group tunables.
type GroupSettings struct {
	HistoryVisible bool  `json:"history_visible"`
	MaxMembers     int   `json:"max_members"`
	MessageTTLSec  int64 `json:"message_ttl_sec,omitempty"`
}

// Group is a multicast roster with exactly one owner.
type Group struct {
	ID          string        `json:"group_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Owner       string        `json:"owner"`
	Members     []GroupMember `json:"members"`
	Access      string        `json:"access"`
	JoinKeyHash string        `json:"join_key_hash,omitempty"`
	Settings    GroupSettings `json:"settings"`
	CreatedAtMS int64         `json:"created_at_ms"`
	UpdatedAtMS int64         `json:"updated_at_ms"`
}

// Member returns the roster entry for an agent, if present.
func (g *Group) Member(agentID string) (GroupMember, bool) {
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return m, true
		}
	}
	return GroupMember{}, false
}

// Round table status values.
const (
	RTActive   = "active"
	RTResolved = "resolved"
	RTExpired  = "expired"
)

// RTEntry is one thread contribution.
type RTEntry struct {
	Seq     int             `json:"seq"`
	From    string          `json:"from"`
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content,omitempty"`
	AtMS    int64           `json:"at_ms"`
}

// RoundTable is a bounded deliberation session over a backing group.
type RoundTable struct {
	ID           string          `json:"rt_id"`
	Topic        string          `json:"topic"`
	Goal         string          `json:"goal,omitempty"`
	Facilitator  string          `json:"facilitator"`
	Participants []string        `json:"participants"`
	Status       string          `json:"status"`
	GroupID      string          `json:"group_id"`
	Thread       []RTEntry       `json:"thread"`
	Resolution   json.RawMessage `json:"resolution,omitempty"`
	CreatedAtMS  int64           `json:"created_at_ms"`
	ExpiresAtMS  int64           `json:"expires_at_ms"`
	ResolvedAtMS int64           `json:"resolved_at_ms,omitempty"`
	UpdatedAtMS  int64           `json:"updated_at_ms"`
}

// Participant reports whether an agent sits at the table. The facilitator
// always counts as a participant.
func (rt *RoundTable) Participant(agentID string) bool {
	if agentID == rt.Facilitator {
		return true
	}
	for _, p := range rt.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// IssuedKey is a hub-minted API key record. Hash is a bcrypt digest of the
// plaintext; LookupHash is its SHA-256 hex used by the O(1) index.
type IssuedKey struct {
	ID          string `json:"key_id"`
	Hash        string `json:"key_hash"`
	LookupHash  string `json:"lookup_hash"`
	Scope       string `json:"scope"`
	Label       string `json:"label,omitempty"`
	SingleUse   bool   `json:"single_use,omitempty"`
	Revoked     bool   `json:"revoked,omitempty"`
	UsedAtMS    int64  `json:"used_at_ms,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
	ExpiresAtMS int64  `json:"expires_at_ms,omitempty"`
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	AgentType string
	Status    string
	Limit     int
}

// InboxFilter narrows GetInbox. Zero Status means every status.
type InboxFilter struct {
	Status Status
	Limit  int
}

// GroupFilter narrows ListGroups.
type GroupFilter struct {
	Member string
	Limit  int
}

// RoundTableFilter narrows ListRoundTables.
type RoundTableFilter struct {
	Status      string
	Participant string
	Limit       int
}

// Stats is the per-collection census behind /api/stats.
type Stats struct {
	Agents      int            `json:"agents"`
	Groups      int            `json:"groups"`
	RoundTables int            `json:"round_tables"`
	IssuedKeys  int            `json:"issued_keys"`
	Messages    map[Status]int `json:"messages"`
}

// Store is the persistence contract. Individual operations appear atomic;
// there are no cross-collection transactions. TransitionMessage is the one
// conditional primitive: it applies the patch only while the message still
// holds one of the expected statuses, and reports whether it won.
type Store interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByDID(ctx context.Context, did string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error)

	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id string, p MessagePatch, nowMS int64) (*Message, error)
	TransitionMessage(ctx context.Context, id string, from []Status, p MessagePatch, nowMS int64) (*Message, bool, error)
	DeleteMessage(ctx context.Context, id string) error
	GetInbox(ctx context.Context, agentID string, f InboxFilter) ([]*Message, error)
	GroupHistory(ctx context.Context, groupID string, limit int) ([]*Message, error)

	ExpireLeases(ctx context.Context, nowMS int64) (int, error)
	ExpireMessages(ctx context.Context, nowMS int64) (int, error)
	PurgeExpiredEphemeral(ctx context.Context, nowMS int64) (int, error)
	CleanupTerminal(ctx context.Context, nowMS, retentionMS int64) (int, error)

	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	UpdateGroup(ctx context.Context, g *Group) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context, f GroupFilter) ([]*Group, error)

	CreateRoundTable(ctx context.Context, rt *RoundTable) error
	GetRoundTable(ctx context.Context, id string) (*RoundTable, error)
	UpdateRoundTable(ctx context.Context, rt *RoundTable) error
	DeleteRoundTable(ctx context.Context, id string) error
	ListRoundTables(ctx context.Context, f RoundTableFilter) ([]*RoundTable, error)

	CreateIssuedKey(ctx context.Context, k *IssuedKey) error
	GetIssuedKey(ctx context.Context, id string) (*IssuedKey, error)
	GetIssuedKeyByLookupHash(ctx context.Context, lookupHash string) (*IssuedKey, error)
	UpdateIssuedKey(ctx context.Context, k *IssuedKey) error
	BurnSingleUseKey(ctx context.Context, id string, nowMS int64) (bool, error)
	ListIssuedKeys(ctx context.Context) ([]*IssuedKey, error)
	DeleteIssuedKey(ctx context.Context, id string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
