// Package inbox implements the messaging engine: signed envelope ingress,
// lease-based pull with at-least-once delivery, ack/nack, correlated
// replies, and the status/stats read surface. Group fanout and round-table
// multicast reuse the same delivery path through Deliver.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/clock"
	"github.com/agentdispatch/admp-hub/internal/crypto"
	"github.com/agentdispatch/admp-hub/internal/envelope"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// Visibility timeout bounds for pull leases, in seconds.
const (
	DefaultVisibilitySec = 60
	MaxVisibilitySec     = 300
)

// Store is the persistence surface the engine needs.
type Store interface {
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessage(ctx context.Context, id string, p store.MessagePatch, nowMS int64) (*store.Message, error)
	TransitionMessage(ctx context.Context, id string, from []store.Status, p store.MessagePatch, nowMS int64) (*store.Message, bool, error)
	GetInbox(ctx context.Context, agentID string, f store.InboxFilter) ([]*store.Message, error)
	ExpireLeases(ctx context.Context, nowMS int64) (int, error)
}

// Resolver looks up recipients and senders and verifies envelope
// signatures. The agent service satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, address string) (*store.Agent, error)
	VerifyEnvelope(a *store.Agent, env *envelope.Envelope) error
}

// Pusher receives accepted messages for asynchronous webhook delivery.
// Enqueue must never block.
type Pusher interface {
	Enqueue(m *store.Message, target store.Webhook)
}

// Engine brokers messages between agents.
type Engine struct {
	store       Store
	agents      Resolver
	pusher      Pusher
	bus         *events.Bus
	clk         clock.Clock
	log         *logging.Logger
	limits      envelope.Limits
	maxPerAgent int
}

// Options configures an Engine.
type Options struct {
	Store       Store
	Agents      Resolver
	Pusher      Pusher
	Bus         *events.Bus
	Clock       clock.Clock
	Log         *logging.Logger
	Limits      envelope.Limits
	MaxPerAgent int
}

// NewEngine creates the inbox engine.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Limits.DefaultTTLSec == 0 {
		opts.Limits.DefaultTTLSec = 86400
	}
	if opts.Limits.MaxTTLSec == 0 {
		opts.Limits.MaxTTLSec = 604800
	}
	return &Engine{
		store:       opts.Store,
		agents:      opts.Agents,
		pusher:      opts.Pusher,
		bus:         opts.Bus,
		clk:         opts.Clock,
		log:         opts.Log,
		limits:      opts.Limits,
		maxPerAgent: opts.MaxPerAgent,
	}
}

// SendResult is the acceptance record returned to the producer.
type SendResult struct {
	MessageID string       `json:"message_id"`
	Status    store.Status `json:"status"`
}

// Send validates, authenticates and enqueues a signed envelope. The
// recipient address may be a bare id, an agent:// URI or a did:seed DID.
func (e *Engine) Send(ctx context.Context, env *envelope.Envelope) (*SendResult, error) {
	if err := env.Validate(e.limits); err != nil {
		return nil, err
	}

	ts, err := crypto.ParseTimestamp(env.Timestamp)
	if err != nil {
		return nil, admperr.Validation("INVALID_TIMESTAMP", "timestamp is not ISO 8601")
	}
	if !crypto.WithinSkew(ts, e.clk.Now(), crypto.MaxTimestampSkew) {
		return nil, admperr.Validation("INVALID_TIMESTAMP", "timestamp outside the %s skew window", crypto.MaxTimestampSkew)
	}

	recipient, err := e.agents.Resolve(ctx, env.To)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.NotFound("RECIPIENT_NOT_FOUND", "recipient %q is not registered", env.To)
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}

	if !recipient.Trusts(env.From) {
		return nil, admperr.Validation("UNTRUSTED_SENDER", "sender %q is not trusted by %q", env.From, recipient.ID)
	}

	// The sender must hold a registered key; a deregistered or forged
	// sender cannot claim a trusted id.
	sender, err := e.agents.Resolve(ctx, env.From)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.Unauthorized("UNKNOWN_SENDER", "sender %q is not registered", env.From)
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}
	if err := e.agents.VerifyEnvelope(sender, env); err != nil {
		return nil, err
	}

	m, err := e.Deliver(ctx, env, recipient, DeliveryMeta{})
	if err != nil {
		return nil, err
	}
	return &SendResult{MessageID: m.ID, Status: m.Status}, nil
}

// DeliveryMeta tags hub-materialized copies produced by group fanout and
// round-table multicast.
type DeliveryMeta struct {
	GroupID        string
	GroupMessageID string
}

// Deliver persists an already-authenticated envelope into the recipient's
// inbox and hands it to the webhook dispatcher. Send authenticates before
// calling it; group and round-table fanout call it directly because their
// authenticity was established at the ingress operation.
func (e *Engine) Deliver(ctx context.Context, env *envelope.Envelope, recipient *store.Agent, meta DeliveryMeta) (*store.Message, error) {
	if e.maxPerAgent > 0 {
		if err := e.checkCapacity(ctx, recipient.ID); err != nil {
			return nil, err
		}
	}

	now := clock.MS(e.clk.Now())
	m := &store.Message{
		Envelope:       *env,
		Status:         store.StatusQueued,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		GroupID:        meta.GroupID,
		GroupMessageID: meta.GroupMessageID,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TTLSec == 0 {
		m.TTLSec = e.limits.DefaultTTLSec
	}
	// Canonical recipient id; the envelope may carry a DID or URI form.
	m.To = recipient.ID
	if m.Ephemeral && m.EphemeralTTLSec > 0 {
		m.ExpiresAtMS = now + m.EphemeralTTLSec*1000
	}

	if err := e.store.CreateMessage(ctx, m); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, admperr.Conflict("MESSAGE_EXISTS", "message %q already exists", m.ID)
		}
		return nil, admperr.Internal(err)
	}

	if e.pusher != nil && recipient.Webhook != nil {
		e.pusher.Enqueue(m, *recipient.Webhook)
	}
	e.publish(events.EventMessageQueued, m)
	e.log.Debug("message queued", "message_id", m.ID, "from", m.From, "to", m.To, "ephemeral", m.Ephemeral)
	return m, nil
}

// checkCapacity rejects sends once the recipient holds too many live
// messages. Terminal records awaiting cleanup do not count.
func (e *Engine) checkCapacity(ctx context.Context, agentID string) error {
	msgs, err := e.store.GetInbox(ctx, agentID, store.InboxFilter{})
	if err != nil {
		return admperr.Internal(err)
	}
	live := 0
	for _, m := range msgs {
		if !m.Status.Terminal() {
			live++
		}
	}
	if live >= e.maxPerAgent {
		return admperr.Conflict("INBOX_FULL", "inbox for %q holds %d live messages", agentID, live)
	}
	return nil
}

// Pull leases the oldest queued message. Returns nil when the inbox has
// nothing eligible. Expired ephemerals are never served; the sweeper will
// purge them. Concurrent pulls race on the atomic transition, so each
// message is won exactly once.
func (e *Engine) Pull(ctx context.Context, agentID string, visibilitySec int64) (*store.Message, error) {
	if visibilitySec <= 0 {
		visibilitySec = DefaultVisibilitySec
	}
	if visibilitySec > MaxVisibilitySec {
		visibilitySec = MaxVisibilitySec
	}

	candidates, err := e.store.GetInbox(ctx, agentID, store.InboxFilter{Status: store.StatusQueued})
	if err != nil {
		return nil, admperr.Internal(err)
	}

	now := clock.MS(e.clk.Now())
	leased := store.StatusLeased
	leaseUntil := now + visibilitySec*1000
	for _, c := range candidates {
		if c.ExpiresAtMS > 0 && c.ExpiresAtMS < now {
			continue
		}
		m, won, err := e.store.TransitionMessage(ctx, c.ID, []store.Status{store.StatusQueued}, store.MessagePatch{
			Status:            &leased,
			LeaseUntilMS:      &leaseUntil,
			IncrementAttempts: true,
		}, now)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, admperr.Internal(err)
		}
		if !won {
			continue
		}
		e.publish(events.EventMessageLeased, m)
		e.log.Debug("message leased", "message_id", m.ID, "agent_id", agentID, "attempts", m.Attempts, "lease_until_ms", leaseUntil)
		return m, nil
	}
	return nil, nil
}

// Ack positively acknowledges a leased message. Ephemeral bodies are
// stripped in the same transition so no later read can observe them.
func (e *Engine) Ack(ctx context.Context, agentID, messageID string, result json.RawMessage) (*store.Message, error) {
	m, err := e.getOwned(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusLeased {
		return nil, admperr.Conflict("NOT_LEASED", "message %q is %s, not leased", messageID, m.Status)
	}

	now := clock.MS(e.clk.Now())
	var (
		patch store.MessagePatch
		zero  int64
	)
	patch.AckedAtMS = &now
	patch.LeaseUntilMS = &zero
	patch.Result = result
	if m.Ephemeral {
		purged := store.StatusPurged
		reason := store.PurgeReasonAcked
		patch.Status = &purged
		patch.PurgedAtMS = &now
		patch.PurgeReason = &reason
		patch.StripBody = true
	} else {
		acked := store.StatusAcked
		patch.Status = &acked
	}

	updated, won, err := e.store.TransitionMessage(ctx, messageID, []store.Status{store.StatusLeased}, patch, now)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	if !won {
		return nil, admperr.Conflict("NOT_LEASED", "message %q is no longer leased", messageID)
	}
	if m.Ephemeral {
		e.publish(events.EventMessagePurged, updated)
	} else {
		e.publish(events.EventMessageAcked, updated)
	}
	e.log.Debug("message acked", "message_id", messageID, "agent_id", agentID, "ephemeral", m.Ephemeral)
	return updated, nil
}

// Nack negatively acknowledges a leased message: extend the lease when
// extendSec is given, otherwise requeue immediately.
func (e *Engine) Nack(ctx context.Context, agentID, messageID string, extendSec int64) (*store.Message, error) {
	m, err := e.getOwned(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusLeased {
		return nil, admperr.Conflict("NOT_LEASED", "message %q is %s, not leased", messageID, m.Status)
	}

	now := clock.MS(e.clk.Now())
	var patch store.MessagePatch
	if extendSec > 0 {
		// Extend from the current expiry while it is still in the
		// future, otherwise from now.
		base := m.LeaseUntilMS
		if base < now {
			base = now
		}
		until := base + extendSec*1000
		leased := store.StatusLeased
		patch.Status = &leased
		patch.LeaseUntilMS = &until
	} else {
		queued := store.StatusQueued
		var zero int64
		patch.Status = &queued
		patch.LeaseUntilMS = &zero
	}

	updated, won, err := e.store.TransitionMessage(ctx, messageID, []store.Status{store.StatusLeased}, patch, now)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	if !won {
		return nil, admperr.Conflict("NOT_LEASED", "message %q is no longer leased", messageID)
	}
	if extendSec <= 0 {
		e.publish(events.EventMessageRequeued, updated)
	}
	e.log.Debug("message nacked", "message_id", messageID, "agent_id", agentID, "extend_sec", extendSec)
	return updated, nil
}

// ReplyRequest carries the replier-signed fields of a correlated reply.
type ReplyRequest struct {
	Type      string              `json:"type,omitempty"`
	Subject   string              `json:"subject,omitempty"`
	Body      json.RawMessage     `json:"body,omitempty"`
	Timestamp string              `json:"timestamp"`
	Signature *envelope.Signature `json:"signature"`
	Ephemeral bool                `json:"ephemeral,omitempty"`
}

// Reply materializes a correlated envelope back to the original sender and
// pushes it through the normal send path, signature checks included.
func (e *Engine) Reply(ctx context.Context, agentID, messageID string, req ReplyRequest) (*SendResult, error) {
	orig, err := e.getOwned(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}

	typ := req.Type
	if typ == "" {
		typ = "reply"
	}
	subject := req.Subject
	if subject == "" && orig.Subject != "" {
		subject = "Re: " + orig.Subject
	}
	env := &envelope.Envelope{
		Version:       envelope.Version,
		Type:          typ,
		From:          agentID,
		To:            orig.From,
		Subject:       subject,
		Body:          req.Body,
		Timestamp:     req.Timestamp,
		CorrelationID: orig.ID,
		Signature:     req.Signature,
		Ephemeral:     req.Ephemeral,
	}
	return e.Send(ctx, env)
}

// StatusRecord is the public view of a message's delivery state. Purged
// messages keep their metadata but never a body.
type StatusRecord struct {
	MessageID     string          `json:"message_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Subject       string          `json:"subject,omitempty"`
	Status        store.Status    `json:"status"`
	Attempts      int             `json:"attempts"`
	CreatedAtMS   int64           `json:"created_at_ms"`
	UpdatedAtMS   int64           `json:"updated_at_ms"`
	AckedAtMS     int64           `json:"acked_at_ms,omitempty"`
	LeaseUntilMS  int64           `json:"lease_until_ms,omitempty"`
	PurgedAtMS    int64           `json:"purged_at_ms,omitempty"`
	PurgeReason   string          `json:"purge_reason,omitempty"`
	Body          json.RawMessage `json:"body"`
	Result        json.RawMessage `json:"result,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Status returns the public status record. gone is true for purged
// messages so the HTTP layer can answer 410 instead of 200.
func (e *Engine) Status(ctx context.Context, messageID string) (*StatusRecord, bool, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, admperr.NotFound("MESSAGE_NOT_FOUND", "message %q does not exist", messageID)
	}
	if err != nil {
		return nil, false, admperr.Internal(err)
	}

	rec := &StatusRecord{
		MessageID:     m.ID,
		From:          m.From,
		To:            m.To,
		Subject:       m.Subject,
		Status:        m.Status,
		Attempts:      m.Attempts,
		CreatedAtMS:   m.CreatedAtMS,
		UpdatedAtMS:   m.UpdatedAtMS,
		AckedAtMS:     m.AckedAtMS,
		LeaseUntilMS:  m.LeaseUntilMS,
		PurgedAtMS:    m.PurgedAtMS,
		PurgeReason:   m.PurgeReason,
		CorrelationID: m.CorrelationID,
		Result:        m.Result,
	}
	if m.Status == store.StatusPurged {
		// Restricted record: body stays null, result is withheld.
		rec.Result = nil
		return rec, true, nil
	}
	rec.Body = m.Body
	return rec, false, nil
}

// Stats returns per-status counts for one inbox.
func (e *Engine) Stats(ctx context.Context, agentID string) (map[store.Status]int, error) {
	msgs, err := e.store.GetInbox(ctx, agentID, store.InboxFilter{})
	if err != nil {
		return nil, admperr.Internal(err)
	}
	counts := make(map[store.Status]int)
	for _, m := range msgs {
		counts[m.Status]++
	}
	return counts, nil
}

// Reclaim force-runs lease reclamation, normally the sweeper's job.
// Exposed for the manual reclaim endpoint.
func (e *Engine) Reclaim(ctx context.Context) (int, error) {
	n, err := e.store.ExpireLeases(ctx, clock.MS(e.clk.Now()))
	if err != nil {
		return 0, admperr.Internal(err)
	}
	if n > 0 {
		e.log.Info("leases reclaimed", "count", n)
	}
	return n, nil
}

// getOwned fetches a message and checks the caller owns its inbox.
func (e *Engine) getOwned(ctx context.Context, agentID, messageID string) (*store.Message, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.NotFound("MESSAGE_NOT_FOUND", "message %q does not exist", messageID)
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}
	if m.To != agentID {
		return nil, admperr.Forbidden("FORBIDDEN", "message %q is not addressed to %q", messageID, agentID)
	}
	return m, nil
}

func (e *Engine) publish(t events.EventType, m *store.Message) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      t,
		AgentID:   m.To,
		MessageID: m.ID,
		GroupID:   m.GroupID,
		Timestamp: e.clk.Now(),
	})
}

// NewTimestamp renders hub time in the envelope's wire format. Used by the
// fanout services when materializing internal envelopes.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
