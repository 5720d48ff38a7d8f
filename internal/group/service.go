// Package group implements multicast rosters: membership with roles and
// access modes, per-member fanout of posts, and deduplicated history.
package group

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/clock"
	"github.com/agentdispatch/admp-hub/internal/envelope"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/inbox"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// Bounds on group posts and rosters.
const (
	MaxNameLen        = 100
	MaxPostSubjectLen = 200
	DefaultHistory    = 50
)

// nameRe admits alphanumerics plus spaces, hyphens, underscores and
// periods, 1 to 100 characters.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9 ._-]{1,100}$`)

// Store is the persistence surface the service needs.
type Store interface {
	CreateGroup(ctx context.Context, g *store.Group) error
	GetGroup(ctx context.Context, id string) (*store.Group, error)
	UpdateGroup(ctx context.Context, g *store.Group) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context, f store.GroupFilter) ([]*store.Group, error)
	GroupHistory(ctx context.Context, groupID string, limit int) ([]*store.Message, error)
}

// AgentResolver checks that joiners and added members are registered.
type AgentResolver interface {
	Resolve(ctx context.Context, address string) (*store.Agent, error)
}

// Delivery materializes fanout envelopes into member inboxes. The inbox
// engine satisfies it.
type Delivery interface {
	Deliver(ctx context.Context, env *envelope.Envelope, recipient *store.Agent, meta inbox.DeliveryMeta) (*store.Message, error)
}

// Service implements group operations.
type Service struct {
	store      Store
	agents     AgentResolver
	delivery   Delivery
	bus        *events.Bus
	clk        clock.Clock
	log        *logging.Logger
	maxMembers int
}

// Options configures a Service.
type Options struct {
	Store      Store
	Agents     AgentResolver
	Delivery   Delivery
	Bus        *events.Bus
	Clock      clock.Clock
	Log        *logging.Logger
	MaxMembers int
}

// NewService creates the group service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = 100
	}
	return &Service{
		store:      opts.Store,
		agents:     opts.Agents,
		delivery:   opts.Delivery,
		bus:        opts.Bus,
		clk:        opts.Clock,
		log:        opts.Log,
		maxMembers: opts.MaxMembers,
	}
}

// CreateRequest carries group creation inputs. Access defaults to
// invite-only; JoinKey is required for key-protected groups and its
// SHA-256 is all the hub retains.
type CreateRequest struct {
	Name           string
	Description    string
	Access         string
	JoinKey        string
	HistoryVisible *bool
	MaxMembers     int
	MessageTTLSec  int64
}

// Create registers a group with the creator as its owner.
func (s *Service) Create(ctx context.Context, creator string, req CreateRequest) (*store.Group, error) {
	if !nameRe.MatchString(req.Name) {
		return nil, admperr.Validation("INVALID_GROUP_NAME", "name must be 1-%d alphanumeric, space, hyphen, underscore or period characters", MaxNameLen)
	}
	if _, err := s.agents.Resolve(ctx, creator); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, admperr.NotFound("AGENT_NOT_FOUND", "creator %q is not registered", creator)
		}
		return nil, admperr.Internal(err)
	}

	access := req.Access
	if access == "" {
		access = store.AccessInviteOnly
	}
	var joinKeyHash string
	switch access {
	case store.AccessOpen, store.AccessInviteOnly:
	case store.AccessKeyProtected:
		if req.JoinKey == "" {
			return nil, admperr.Validation("JOIN_KEY_REQUIRED", "key-protected groups need a join key")
		}
		joinKeyHash = hashJoinKey(req.JoinKey)
	default:
		return nil, admperr.Validation("INVALID_ACCESS", "access must be open, key_protected or invite_only")
	}

	maxMembers := req.MaxMembers
	if maxMembers <= 0 || maxMembers > s.maxMembers {
		maxMembers = s.maxMembers
	}
	historyVisible := true
	if req.HistoryVisible != nil {
		historyVisible = *req.HistoryVisible
	}

	now := clock.MS(s.clk.Now())
	g := &store.Group{
		ID:          NewGroupID(req.Name),
		Name:        req.Name,
		Description: req.Description,
		Owner:       creator,
		Access:      access,
		JoinKeyHash: joinKeyHash,
		Settings: store.GroupSettings{
			HistoryVisible: historyVisible,
			MaxMembers:     maxMembers,
			MessageTTLSec:  req.MessageTTLSec,
		},
		Members: []store.GroupMember{{
			AgentID:    creator,
			Role:       store.RoleOwner,
			JoinedAtMS: now,
		}},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return nil, admperr.Internal(err)
	}

	s.publish(events.EventGroupCreated, g.ID, creator, "")
	s.log.Info("group created", "group_id", g.ID, "owner", creator, "access", access)
	return g, nil
}

// Get returns a group record. The join key hash is part of the record; the
// HTTP layer redacts it.
func (s *Service) Get(ctx context.Context, id string) (*store.Group, error) {
	g, err := s.store.GetGroup(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.NotFound("GROUP_NOT_FOUND", "group %q does not exist", id)
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return g, nil
}

// List returns groups matching the filter.
func (s *Service) List(ctx context.Context, f store.GroupFilter) ([]*store.Group, error) {
	groups, err := s.store.ListGroups(ctx, f)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return groups, nil
}

// Join adds the caller to an open or key-protected group.
func (s *Service) Join(ctx context.Context, groupID, agentID, joinKey string) (*store.Group, error) {
	if _, err := s.agents.Resolve(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, admperr.NotFound("AGENT_NOT_FOUND", "agent %q is not registered", agentID)
		}
		return nil, admperr.Internal(err)
	}
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}

	switch g.Access {
	case store.AccessInviteOnly:
		return nil, admperr.Forbidden("INVITE_ONLY", "group %q is invite-only", groupID)
	case store.AccessKeyProtected:
		if subtle.ConstantTimeCompare([]byte(hashJoinKey(joinKey)), []byte(g.JoinKeyHash)) != 1 {
			return nil, admperr.Unauthorized("INVALID_JOIN_KEY", "join key does not match")
		}
	}
	return s.addMember(ctx, g, agentID)
}

// AddMember adds an agent on behalf of an owner or admin.
func (s *Service) AddMember(ctx context.Context, groupID, actor, agentID string) (*store.Group, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(g, actor, store.RoleOwner, store.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.agents.Resolve(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, admperr.NotFound("AGENT_NOT_FOUND", "agent %q is not registered", agentID)
		}
		return nil, admperr.Internal(err)
	}
	return s.addMember(ctx, g, agentID)
}

func (s *Service) addMember(ctx context.Context, g *store.Group, agentID string) (*store.Group, error) {
	if _, ok := g.Member(agentID); ok {
		return nil, admperr.Conflict("ALREADY_MEMBER", "agent %q is already a member", agentID)
	}
	if len(g.Members) >= g.Settings.MaxMembers {
		return nil, admperr.Conflict("GROUP_FULL", "group %q is at its %d member cap", g.ID, g.Settings.MaxMembers)
	}
	g.Members = append(g.Members, store.GroupMember{
		AgentID:    agentID,
		Role:       store.RoleMember,
		JoinedAtMS: clock.MS(s.clk.Now()),
	})
	g.UpdatedAtMS = clock.MS(s.clk.Now())
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, admperr.Internal(err)
	}
	s.log.Info("member joined", "group_id", g.ID, "agent_id", agentID, "members", len(g.Members))
	return g, nil
}

// RemoveMember removes an agent; the owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, groupID, actor, agentID string) (*store.Group, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(g, actor, store.RoleOwner, store.RoleAdmin); err != nil {
		return nil, err
	}
	if agentID == g.Owner {
		return nil, admperr.Forbidden("OWNER_IMMUTABLE", "the owner cannot be removed")
	}
	return s.removeMember(ctx, g, agentID)
}

// Leave removes the caller from the roster. The owner must delete the
// group instead.
func (s *Service) Leave(ctx context.Context, groupID, agentID string) error {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if agentID == g.Owner {
		return admperr.Forbidden("OWNER_IMMUTABLE", "the owner cannot leave; delete the group instead")
	}
	_, err = s.removeMember(ctx, g, agentID)
	return err
}

func (s *Service) removeMember(ctx context.Context, g *store.Group, agentID string) (*store.Group, error) {
	kept := g.Members[:0]
	for _, m := range g.Members {
		if m.AgentID != agentID {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(g.Members) {
		return nil, admperr.NotFound("NOT_A_MEMBER", "agent %q is not a member", agentID)
	}
	g.Members = kept
	g.UpdatedAtMS = clock.MS(s.clk.Now())
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, admperr.Internal(err)
	}
	return g, nil
}

// Delete removes a group. Owner only.
func (s *Service) Delete(ctx context.Context, groupID, actor string) error {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.requireRole(g, actor, store.RoleOwner); err != nil {
		return err
	}
	return s.deleteGroup(ctx, g, actor)
}

// DeleteBacking removes a group without role checks. Reserved for internal
// callers tearing down a backing group they created.
func (s *Service) DeleteBacking(ctx context.Context, groupID string) error {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	return s.deleteGroup(ctx, g, g.Owner)
}

func (s *Service) deleteGroup(ctx context.Context, g *store.Group, actor string) error {
	if err := s.store.DeleteGroup(ctx, g.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return admperr.NotFound("GROUP_NOT_FOUND", "group %q does not exist", g.ID)
		}
		return admperr.Internal(err)
	}
	s.publish(events.EventGroupDeleted, g.ID, actor, "")
	s.log.Info("group deleted", "group_id", g.ID, "actor", actor)
	return nil
}

// PostRequest is a member's contribution to the group.
type PostRequest struct {
	Type      string
	Subject   string
	Body      json.RawMessage
	Ephemeral bool
}

// PostResult reports per-recipient fanout outcomes. Partial success is
// allowed: Failed lists members whose copy could not be enqueued.
type PostResult struct {
	GroupMessageID string            `json:"group_message_id"`
	Delivered      []string          `json:"delivered"`
	Failed         map[string]string `json:"failed,omitempty"`
}

// Post fans a message out to every member except the sender. Each copy is
// its own envelope with its own id sharing one group_message_id.
func (s *Service) Post(ctx context.Context, groupID, sender string, req PostRequest) (*PostResult, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Member(sender); !ok {
		return nil, admperr.Forbidden("NOT_A_MEMBER", "sender %q is not a member of %q", sender, groupID)
	}
	if len(req.Subject) > MaxPostSubjectLen {
		return nil, admperr.Validation("SUBJECT_TOO_LONG", "subject exceeds %d characters", MaxPostSubjectLen)
	}
	if len(req.Body) > 1<<20 {
		return nil, admperr.TooLarge("BODY_TOO_LARGE", "body exceeds %d bytes", 1<<20)
	}

	typ := req.Type
	if typ == "" {
		typ = "group.message"
	}
	res := &PostResult{
		GroupMessageID: uuid.NewString(),
		Delivered:      []string{},
	}
	ts := inbox.NewTimestamp(s.clk.Now())
	for _, member := range g.Members {
		if member.AgentID == sender {
			continue
		}
		recipient, err := s.agents.Resolve(ctx, member.AgentID)
		if err != nil {
			s.recordFailure(res, member.AgentID, err)
			continue
		}
		env := &envelope.Envelope{
			Version:   envelope.Version,
			Type:      typ,
			From:      sender,
			To:        member.AgentID,
			Subject:   req.Subject,
			Body:      req.Body,
			Timestamp: ts,
			Ephemeral: req.Ephemeral,
			TTLSec:    g.Settings.MessageTTLSec,
		}
		if _, err := s.delivery.Deliver(ctx, env, recipient, inbox.DeliveryMeta{
			GroupID:        g.ID,
			GroupMessageID: res.GroupMessageID,
		}); err != nil {
			s.recordFailure(res, member.AgentID, err)
			continue
		}
		res.Delivered = append(res.Delivered, member.AgentID)
	}

	s.publish(events.EventGroupMessage, g.ID, sender, res.GroupMessageID)
	s.log.Debug("group post fanned out",
		"group_id", g.ID,
		"sender", sender,
		"delivered", len(res.Delivered),
		"failed", len(res.Failed),
	)
	return res, nil
}

func (s *Service) recordFailure(res *PostResult, agentID string, err error) {
	if res.Failed == nil {
		res.Failed = make(map[string]string)
	}
	res.Failed[agentID] = err.Error()
}

// History returns the group's messages newest first, one entry per
// group_message_id. Members only, and only when the group allows it.
func (s *Service) History(ctx context.Context, groupID, caller string, limit int) ([]*store.Message, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Member(caller); !ok {
		return nil, admperr.Forbidden("NOT_A_MEMBER", "caller %q is not a member of %q", caller, groupID)
	}
	if !g.Settings.HistoryVisible {
		return nil, admperr.Forbidden("HISTORY_HIDDEN", "group %q does not expose history", groupID)
	}
	if limit <= 0 {
		limit = DefaultHistory
	}
	msgs, err := s.store.GroupHistory(ctx, groupID, limit)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return msgs, nil
}

// Members returns the roster.
func (s *Service) Members(ctx context.Context, groupID string) ([]store.GroupMember, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

// requireRole checks the actor holds one of the given roles.
func (s *Service) requireRole(g *store.Group, actor string, roles ...string) error {
	m, ok := g.Member(actor)
	if !ok {
		return admperr.Forbidden("NOT_A_MEMBER", "agent %q is not a member of %q", actor, g.ID)
	}
	for _, r := range roles {
		if m.Role == r {
			return nil
		}
	}
	return admperr.Forbidden("INSUFFICIENT_ROLE", "agent %q lacks the required role", actor)
}

func (s *Service) publish(t events.EventType, groupID, agentID, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      t,
		GroupID:   groupID,
		AgentID:   agentID,
		Detail:    detail,
		Timestamp: s.clk.Now(),
	})
}

// NewGroupID derives a group address from the name slug plus eight random
// hex characters.
func NewGroupID(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		slug = "group"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "group://" + slug + "-" + suffix
}

func hashJoinKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
