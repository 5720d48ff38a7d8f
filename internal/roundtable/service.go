// Package roundtable runs ephemeral N-way deliberation sessions layered on
// a hidden backing group: participants are invited through their inboxes,
// speak into a bounded thread that multicasts to the table, and the
// facilitator resolves (or the sweeper expires) the session.
package roundtable

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/clock"
	"github.com/agentdispatch/admp-hub/internal/envelope"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/group"
	"github.com/agentdispatch/admp-hub/internal/inbox"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// Session bounds.
const (
	MaxParticipants = 20
	MaxThreadLen    = 200

	MinExpiry     = time.Minute
	MaxExpiry     = 7 * 24 * time.Hour
	DefaultExpiry = 30 * time.Minute
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateRoundTable(ctx context.Context, rt *store.RoundTable) error
	GetRoundTable(ctx context.Context, id string) (*store.RoundTable, error)
	UpdateRoundTable(ctx context.Context, rt *store.RoundTable) error
	DeleteRoundTable(ctx context.Context, id string) error
	ListRoundTables(ctx context.Context, f store.RoundTableFilter) ([]*store.RoundTable, error)
}

// AgentResolver checks that participants are registered.
type AgentResolver interface {
	Resolve(ctx context.Context, address string) (*store.Agent, error)
}

// Groups is the backing-group surface the service needs.
type Groups interface {
	Create(ctx context.Context, creator string, req group.CreateRequest) (*store.Group, error)
	AddMember(ctx context.Context, groupID, actor, agentID string) (*store.Group, error)
	Post(ctx context.Context, groupID, sender string, req group.PostRequest) (*group.PostResult, error)
	DeleteBacking(ctx context.Context, groupID string) error
}

// Delivery sends work orders into participant inboxes.
type Delivery interface {
	Deliver(ctx context.Context, env *envelope.Envelope, recipient *store.Agent, meta inbox.DeliveryMeta) (*store.Message, error)
}

// Service implements round-table operations.
type Service struct {
	store    Store
	agents   AgentResolver
	groups   Groups
	delivery Delivery
	bus      *events.Bus
	clk      clock.Clock
	log      *logging.Logger
}

// Options configures a Service.
type Options struct {
	Store    Store
	Agents   AgentResolver
	Groups   Groups
	Delivery Delivery
	Bus      *events.Bus
	Clock    clock.Clock
	Log      *logging.Logger
}

// NewService creates the round-table service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Service{
		store:    opts.Store,
		agents:   opts.Agents,
		groups:   opts.Groups,
		delivery: opts.Delivery,
		bus:      opts.Bus,
		clk:      opts.Clock,
		log:      opts.Log,
	}
}

// CreateRequest carries session inputs. ExpiresIn outside [1m, 7d] is
// rejected; zero means the 30 minute default.
type CreateRequest struct {
	Topic        string
	Goal         string
	Participants []string
	ExpiresIn    time.Duration
}

// Create opens a session: a hidden invite-only backing group is built from
// the participants and each one receives a work_order invitation in their
// inbox.
func (s *Service) Create(ctx context.Context, facilitator string, req CreateRequest) (*store.RoundTable, error) {
	if req.Topic == "" {
		return nil, admperr.Validation("MISSING_FIELD", "topic is required")
	}
	if len(req.Participants) == 0 {
		return nil, admperr.Validation("MISSING_FIELD", "participants are required")
	}
	if len(req.Participants) > MaxParticipants {
		return nil, admperr.Validation("TOO_MANY_PARTICIPANTS", "at most %d participants", MaxParticipants)
	}
	expiry := req.ExpiresIn
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	if expiry < MinExpiry || expiry > MaxExpiry {
		return nil, admperr.Validation("INVALID_EXPIRY", "expiry must be between %s and %s", MinExpiry, MaxExpiry)
	}
	if _, err := s.agents.Resolve(ctx, facilitator); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, admperr.NotFound("AGENT_NOT_FOUND", "facilitator %q is not registered", facilitator)
		}
		return nil, admperr.Internal(err)
	}

	// Resolve every participant before any side effects.
	recipients := make(map[string]*store.Agent, len(req.Participants))
	for _, p := range req.Participants {
		if p == facilitator {
			continue
		}
		a, err := s.agents.Resolve(ctx, p)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, admperr.NotFound("AGENT_NOT_FOUND", "participant %q is not registered", p)
			}
			return nil, admperr.Internal(err)
		}
		recipients[p] = a
	}

	id, err := newTableID()
	if err != nil {
		return nil, admperr.Internal(err)
	}

	g, err := s.groups.Create(ctx, facilitator, group.CreateRequest{
		Name:       "rt " + id,
		Access:     store.AccessInviteOnly,
		MaxMembers: MaxParticipants + 1,
	})
	if err != nil {
		return nil, err
	}
	for p := range recipients {
		if _, err := s.groups.AddMember(ctx, g.ID, facilitator, p); err != nil {
			return nil, err
		}
	}

	now := clock.MS(s.clk.Now())
	rt := &store.RoundTable{
		ID:           id,
		Topic:        req.Topic,
		Goal:         req.Goal,
		Facilitator:  facilitator,
		Participants: req.Participants,
		Status:       store.RTActive,
		GroupID:      g.ID,
		Thread:       []store.RTEntry{},
		CreatedAtMS:  now,
		ExpiresAtMS:  now + expiry.Milliseconds(),
		UpdatedAtMS:  now,
	}
	if err := s.store.CreateRoundTable(ctx, rt); err != nil {
		return nil, admperr.Internal(err)
	}

	// Invite each participant through their inbox. Invitation failures do
	// not fail session creation; the participant can still be reached
	// through the table itself.
	ts := inbox.NewTimestamp(s.clk.Now())
	invitation, _ := json.Marshal(map[string]any{
		"rt_id":         rt.ID,
		"topic":         rt.Topic,
		"goal":          rt.Goal,
		"facilitator":   facilitator,
		"group_id":      g.ID,
		"expires_at_ms": rt.ExpiresAtMS,
	})
	for p, a := range recipients {
		env := &envelope.Envelope{
			Version:   envelope.Version,
			Type:      "work_order",
			From:      facilitator,
			To:        p,
			Subject:   "Round table: " + rt.Topic,
			Body:      invitation,
			Timestamp: ts,
		}
		if _, err := s.delivery.Deliver(ctx, env, a, inbox.DeliveryMeta{GroupID: g.ID}); err != nil {
			s.log.Warn("work order delivery failed", "rt_id", rt.ID, "participant", p, "error", err)
		}
	}

	s.publish(events.EventTableCreated, rt, facilitator)
	s.log.Info("round table created", "rt_id", rt.ID, "facilitator", facilitator, "participants", len(req.Participants))
	return rt, nil
}

// Get returns a session; facilitator and participants only.
func (s *Service) Get(ctx context.Context, id, caller string) (*store.RoundTable, error) {
	rt, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rt.Participant(caller) {
		return nil, admperr.Forbidden("NOT_A_PARTICIPANT", "agent %q does not sit at table %q", caller, id)
	}
	return rt, nil
}

// List returns sessions matching the filter.
func (s *Service) List(ctx context.Context, f store.RoundTableFilter) ([]*store.RoundTable, error) {
	rts, err := s.store.ListRoundTables(ctx, f)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return rts, nil
}

// Speak appends a contribution to the thread and multicasts it through the
// backing group. The thread admits exactly MaxThreadLen entries.
func (s *Service) Speak(ctx context.Context, id, from string, content json.RawMessage) (*store.RTEntry, error) {
	rt, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rt.Participant(from) {
		return nil, admperr.Forbidden("NOT_A_PARTICIPANT", "agent %q does not sit at table %q", from, id)
	}
	if rt.Status != store.RTActive {
		return nil, admperr.Conflict("TABLE_CLOSED", "table %q is %s", id, rt.Status)
	}
	if len(rt.Thread) >= MaxThreadLen {
		return nil, admperr.Conflict("THREAD_FULL", "table %q thread is at its %d entry cap", id, MaxThreadLen)
	}

	now := clock.MS(s.clk.Now())
	entry := store.RTEntry{
		Seq:     len(rt.Thread) + 1,
		From:    from,
		Kind:    "message",
		Content: content,
		AtMS:    now,
	}
	rt.Thread = append(rt.Thread, entry)
	rt.UpdatedAtMS = now
	if err := s.store.UpdateRoundTable(ctx, rt); err != nil {
		return nil, admperr.Internal(err)
	}

	if _, err := s.groups.Post(ctx, rt.GroupID, from, group.PostRequest{
		Type:    "roundtable.message",
		Subject: fmt.Sprintf("[%s] %s", rt.ID, rt.Topic),
		Body:    content,
	}); err != nil {
		s.log.Warn("thread multicast failed", "rt_id", rt.ID, "from", from, "error", err)
	}
	return &entry, nil
}

// Resolve closes a session with an outcome. Facilitator only. The
// resolution is multicast before the backing group is torn down.
func (s *Service) Resolve(ctx context.Context, id, caller string, outcome, decision string) (*store.RoundTable, error) {
	rt, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != rt.Facilitator {
		return nil, admperr.Forbidden("FACILITATOR_ONLY", "only the facilitator may resolve table %q", id)
	}
	if rt.Status != store.RTActive {
		return nil, admperr.Conflict("TABLE_CLOSED", "table %q is %s", id, rt.Status)
	}

	now := clock.MS(s.clk.Now())
	resolution, _ := json.Marshal(map[string]string{
		"outcome":  outcome,
		"decision": decision,
	})
	rt.Status = store.RTResolved
	rt.Resolution = resolution
	rt.ResolvedAtMS = now
	rt.UpdatedAtMS = now
	rt.Thread = append(rt.Thread, store.RTEntry{
		Seq:     len(rt.Thread) + 1,
		From:    caller,
		Kind:    "resolution",
		Content: resolution,
		AtMS:    now,
	})
	if err := s.store.UpdateRoundTable(ctx, rt); err != nil {
		return nil, admperr.Internal(err)
	}

	if _, err := s.groups.Post(ctx, rt.GroupID, caller, group.PostRequest{
		Type:    "roundtable.resolved",
		Subject: fmt.Sprintf("[%s] resolved: %s", rt.ID, rt.Topic),
		Body:    resolution,
	}); err != nil {
		s.log.Warn("resolution multicast failed", "rt_id", rt.ID, "error", err)
	}
	if err := s.groups.DeleteBacking(ctx, rt.GroupID); err != nil {
		s.log.Warn("backing group teardown failed", "rt_id", rt.ID, "group_id", rt.GroupID, "error", err)
	}

	s.publish(events.EventTableResolved, rt, caller)
	s.log.Info("round table resolved", "rt_id", rt.ID, "facilitator", caller)
	return rt, nil
}

// ExpireDue flips active sessions past their deadline to expired and tears
// down their backing groups. Called by the sweeper; returns the count.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	active, err := s.store.ListRoundTables(ctx, store.RoundTableFilter{Status: store.RTActive})
	if err != nil {
		return 0, err
	}
	now := clock.MS(s.clk.Now())
	expired := 0
	for _, rt := range active {
		if rt.ExpiresAtMS == 0 || rt.ExpiresAtMS > now {
			continue
		}
		rt.Status = store.RTExpired
		rt.UpdatedAtMS = now
		if err := s.store.UpdateRoundTable(ctx, rt); err != nil {
			return expired, err
		}
		if err := s.groups.DeleteBacking(ctx, rt.GroupID); err != nil {
			s.log.Warn("backing group teardown failed", "rt_id", rt.ID, "group_id", rt.GroupID, "error", err)
		}
		s.publish(events.EventTableExpired, rt, rt.Facilitator)
		expired++
	}
	return expired, nil
}

func (s *Service) get(ctx context.Context, id string) (*store.RoundTable, error) {
	rt, err := s.store.GetRoundTable(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.NotFound("TABLE_NOT_FOUND", "table %q does not exist", id)
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return rt, nil
}

func (s *Service) publish(t events.EventType, rt *store.RoundTable, agentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      t,
		TableID:   rt.ID,
		GroupID:   rt.GroupID,
		AgentID:   agentID,
		Timestamp: s.clk.Now(),
	})
}

// newTableID mints an rt_<12 hex> identifier.
func newTableID() (string, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate table id: %w", err)
	}
	return "rt_" + hex.EncodeToString(raw), nil
}
