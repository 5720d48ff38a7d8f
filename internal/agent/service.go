// Package agent manages the registry: registration in legacy and seed
// modes, heartbeats, trust lists, webhook config, and key rotation.
package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
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

// Registration modes reported to the caller.
const (
	ModeLegacy = "legacy"
	ModeSeed   = "seed"
)

// reservedPrefixes cannot start a registered agent id; they are address
// schemes, not identities.
var reservedPrefixes = []string{"agent://", "did:", "group://"}

// Store is the persistence surface the service needs.
type Store interface {
	CreateAgent(ctx context.Context, a *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentByDID(ctx context.Context, did string) (*store.Agent, error)
	UpdateAgent(ctx context.Context, a *store.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error)
}

// Service implements agent registry operations.
type Service struct {
	store             Store
	clk               clock.Clock
	log               *logging.Logger
	bus               *events.Bus
	heartbeatTimeout  time.Duration
	keyGrace          time.Duration
	heartbeatInterval time.Duration
}

// Options configures a Service.
type Options struct {
	Store             Store
	Clock             clock.Clock
	Log               *logging.Logger
	Bus               *events.Bus
	HeartbeatTimeout  time.Duration
	KeyGrace          time.Duration
	HeartbeatInterval time.Duration
}

// NewService creates the agent service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Minute
	}
	if opts.KeyGrace <= 0 {
		opts.KeyGrace = 5 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Minute
	}
	return &Service{
		store:             opts.Store,
		clk:               opts.Clock,
		log:               opts.Log,
		bus:               opts.Bus,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		keyGrace:          opts.KeyGrace,
		heartbeatInterval: opts.HeartbeatInterval,
	}
}

// RegisterRequest carries the registration inputs. Seed switches to seed
// mode: the hub derives the keypair and never stores the seed.
type RegisterRequest struct {
	AgentID       string
	Seed          string
	DisplayName   string
	AgentType     string
	Metadata      json.RawMessage
	WebhookURL    string
	WebhookSecret string
}

// Registration is the one-time registration result. SecretKey is populated
// only in legacy mode and never again retrievable. HeartbeatIntervalMS is
// the cadence the hub advises the new agent to heartbeat at.
type Registration struct {
	Agent               *store.Agent
	SecretKey           string
	Mode                string
	HeartbeatIntervalMS int64
}

// Register creates an agent. Duplicate ids fail; reserved prefixes fail.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	id := req.AgentID
	if id == "" {
		id = "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if err := ValidateAgentID(id); err != nil {
		return nil, err
	}

	var (
		pub    ed25519.PublicKey
		secret string
		mode   string
	)
	if req.Seed != "" {
		priv, err := crypto.KeyFromSeed(req.Seed)
		if err != nil {
			return nil, admperr.Validation("INVALID_SEED", "seed must be a base64 32-byte value")
		}
		pub = priv.Public().(ed25519.PublicKey)
		mode = ModeSeed
	} else {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, admperr.Internal(err)
		}
		pub = kp.PublicKey
		secret = kp.Secret
		mode = ModeLegacy
	}

	now := clock.MS(s.clk.Now())
	a := &store.Agent{
		ID:          id,
		DisplayName: req.DisplayName,
		AgentType:   req.AgentType,
		DID:         crypto.DIDFromPublicKey(pub),
		DIDMethod:   "seed",
		PublicKeys: []store.KeyEntry{{
			Kid:       crypto.Fingerprint(pub),
			PublicKey: crypto.EncodePublicKey(pub),
			AddedAtMS: now,
		}},
		Status:      store.AgentOnline,
		LastSeenMS:  now,
		CreatedAtMS: now,
		UpdatedAtMS: now,
		Metadata:    req.Metadata,
	}

	if req.WebhookURL != "" {
		wh, err := buildWebhook(req.WebhookURL, req.WebhookSecret)
		if err != nil {
			return nil, err
		}
		a.Webhook = wh
	}

	if err := s.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, admperr.Conflict("AGENT_EXISTS", "agent %q is already registered", id)
		}
		return nil, admperr.Internal(err)
	}

	s.log.Info("agent registered", "agent_id", id, "mode", mode, "did", a.DID)
	s.publish(events.EventAgentRegistered, id)
	return &Registration{
		Agent:               a,
		SecretKey:           secret,
		Mode:                mode,
		HeartbeatIntervalMS: s.heartbeatInterval.Milliseconds(),
	}, nil
}

// Get returns one agent record.
func (s *Service) Get(ctx context.Context, id string) (*store.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.NotFound("AGENT_NOT_FOUND", "agent %q is not registered", id)
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return a, nil
}

// Resolve looks up an agent by any accepted address form: bare id,
// agent:// URI, or DID. Returns store.ErrNotFound untranslated so callers
// choose their own error code.
func (s *Service) Resolve(ctx context.Context, address string) (*store.Agent, error) {
	switch {
	case strings.HasPrefix(address, "agent://"):
		return s.store.GetAgent(ctx, strings.TrimPrefix(address, "agent://"))
	case strings.HasPrefix(address, "did:"):
		return s.store.GetAgentByDID(ctx, address)
	default:
		return s.store.GetAgent(ctx, address)
	}
}

// List returns agents matching the filter.
func (s *Service) List(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error) {
	agents, err := s.store.ListAgents(ctx, f)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return agents, nil
}

// Delete deregisters an agent. The store cascades the inbox.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeleteAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return admperr.NotFound("AGENT_NOT_FOUND", "agent %q is not registered", id)
	}
	if err != nil {
		return admperr.Internal(err)
	}
	s.log.Info("agent deregistered", "agent_id", id)
	s.publish(events.EventAgentDeregistered, id)
	return nil
}

func (s *Service) publish(t events.EventType, agentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, AgentID: agentID, Timestamp: s.clk.Now()})
}

// Heartbeat records liveness and flips the agent online.
func (s *Service) Heartbeat(ctx context.Context, id string) (*store.Agent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := clock.MS(s.clk.Now())
	a.LastSeenMS = now
	a.Status = store.AgentOnline
	a.UpdatedAtMS = now
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, admperr.Internal(err)
	}
	return a, nil
}

// RefreshStatuses flips agents offline when their last heartbeat is older
// than the timeout. Advisory only; delivery is unaffected. Returns the
// number flipped.
func (s *Service) RefreshStatuses(ctx context.Context) (int, error) {
	agents, err := s.store.ListAgents(ctx, store.AgentFilter{Status: store.AgentOnline})
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()
	cutoff := clock.MS(now.Add(-s.heartbeatTimeout))
	flipped := 0
	for _, a := range agents {
		if a.LastSeenMS >= cutoff {
			continue
		}
		a.Status = store.AgentOffline
		a.UpdatedAtMS = clock.MS(now)
		if err := s.store.UpdateAgent(ctx, a); err != nil {
			return flipped, err
		}
		flipped++
	}
	return flipped, nil
}

// Trusted returns the agent's trust list.
func (s *Service) Trusted(ctx context.Context, id string) ([]string, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.TrustedAgents, nil
}

// AddTrusted adds a sender to the trust list. Idempotent.
func (s *Service) AddTrusted(ctx context.Context, id, sender string) ([]string, error) {
	if !envelope.ValidAddress(sender) {
		return nil, admperr.Validation("INVALID_AGENT_ID", "trusted id is not a valid agent address")
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range a.TrustedAgents {
		if t == sender {
			return a.TrustedAgents, nil
		}
	}
	a.TrustedAgents = append(a.TrustedAgents, sender)
	a.UpdatedAtMS = clock.MS(s.clk.Now())
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, admperr.Internal(err)
	}
	s.log.Info("trust list updated", "agent_id", id, "trusted", sender, "size", len(a.TrustedAgents))
	return a.TrustedAgents, nil
}

// RemoveTrusted removes a sender from the trust list. Idempotent.
func (s *Service) RemoveTrusted(ctx context.Context, id, sender string) ([]string, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	kept := a.TrustedAgents[:0]
	for _, t := range a.TrustedAgents {
		if t != sender {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(a.TrustedAgents) {
		return a.TrustedAgents, nil
	}
	a.TrustedAgents = kept
	a.UpdatedAtMS = clock.MS(s.clk.Now())
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, admperr.Internal(err)
	}
	return a.TrustedAgents, nil
}

// Webhook returns the agent's webhook config, or a not-found error when
// none is set. The HTTP layer redacts the secret on reads.
func (s *Service) Webhook(ctx context.Context, id string) (*store.Webhook, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Webhook == nil {
		return nil, admperr.NotFound("WEBHOOK_NOT_FOUND", "agent %q has no webhook", id)
	}
	return a.Webhook, nil
}

// SetWebhook configures push delivery. The secret is generated when absent
// and returned to the caller exactly once.
func (s *Service) SetWebhook(ctx context.Context, id, webhookURL, secret string) (*store.Webhook, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wh, err := buildWebhook(webhookURL, secret)
	if err != nil {
		return nil, err
	}
	a.Webhook = wh
	a.UpdatedAtMS = clock.MS(s.clk.Now())
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, admperr.Internal(err)
	}
	s.log.Info("webhook configured", "agent_id", id, "url", wh.URL)
	return wh, nil
}

// DeleteWebhook removes push delivery config.
func (s *Service) DeleteWebhook(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Webhook == nil {
		return admperr.NotFound("WEBHOOK_NOT_FOUND", "agent %q has no webhook", id)
	}
	a.Webhook = nil
	a.UpdatedAtMS = clock.MS(s.clk.Now())
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return admperr.Internal(err)
	}
	return nil
}

// RotateKey appends a new signing key and retires the current ones with a
// grace window during which they still verify. Grace <= 0 retires them
// immediately. The DID keeps pointing at the registration key.
func (s *Service) RotateKey(ctx context.Context, id, newPublicKey string, grace time.Duration) (*store.KeyEntry, error) {
	pub, err := crypto.ParsePublicKey(newPublicKey)
	if err != nil {
		return nil, admperr.Validation("INVALID_PUBLIC_KEY", "public_key must be a base64 32-byte ed25519 key")
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	kid := crypto.Fingerprint(pub)
	for _, k := range a.PublicKeys {
		if k.Kid == kid && k.RetiredAtMS == 0 {
			return nil, admperr.Conflict("KEY_EXISTS", "key %s is already active", kid)
		}
	}

	now := clock.MS(s.clk.Now())
	graceUntil := now
	if grace > 0 {
		graceUntil = now + grace.Milliseconds()
	}
	for i := range a.PublicKeys {
		if a.PublicKeys[i].RetiredAtMS == 0 {
			a.PublicKeys[i].RetiredAtMS = now
			a.PublicKeys[i].GraceUntilMS = graceUntil
		}
	}
	entry := store.KeyEntry{
		Kid:       kid,
		PublicKey: crypto.EncodePublicKey(pub),
		AddedAtMS: now,
	}
	a.PublicKeys = append(a.PublicKeys, entry)
	a.UpdatedAtMS = now
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, admperr.Internal(err)
	}
	s.log.Info("key rotated", "agent_id", id, "kid", kid, "grace_until_ms", graceUntil)
	return &entry, nil
}

// DefaultKeyGrace exposes the configured rotation grace for handlers that
// accept an override.
func (s *Service) DefaultKeyGrace() time.Duration { return s.keyGrace }

// VerifyEnvelope checks the envelope signature against every key the
// sender may currently use.
func (s *Service) VerifyEnvelope(a *store.Agent, env *envelope.Envelope) error {
	if env.Signature == nil || env.Signature.Sig == "" {
		return admperr.Unauthorized("SIGNATURE_REQUIRED", "envelope must be signed")
	}
	base := env.SigningBase()
	now := clock.MS(s.clk.Now())
	for _, k := range a.UsableKeys(now) {
		pub, err := crypto.ParsePublicKey(k.PublicKey)
		if err != nil {
			continue
		}
		if crypto.Verify(pub, base, env.Signature.Sig) {
			return nil
		}
	}
	return admperr.Unauthorized("INVALID_SIGNATURE", "signature verification failed")
}

// VerifyRequestSignature checks an HTTP signature against the agent's
// usable keys.
func (s *Service) VerifyRequestSignature(a *store.Agent, sig crypto.RequestSignature, canonical string, date time.Time) error {
	now := s.clk.Now()
	for _, k := range a.UsableKeys(clock.MS(now)) {
		pub, err := crypto.ParsePublicKey(k.PublicKey)
		if err != nil {
			continue
		}
		if crypto.VerifyRequest(pub, sig, canonical, date, now) == nil {
			return nil
		}
	}
	return admperr.Unauthorized("INVALID_SIGNATURE", "request signature verification failed")
}

// ValidateAgentID guards the id grammar and reserved prefixes.
func ValidateAgentID(id string) error {
	if !envelope.ValidAddress(id) {
		return admperr.Validation("INVALID_AGENT_ID", "agent id must match [A-Za-z0-9._:/-]{1,255}")
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(id, p) {
			return admperr.Validation("INVALID_AGENT_ID", "agent id cannot start with %q", p)
		}
	}
	return nil
}

func buildWebhook(rawURL, secret string) (*store.Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, admperr.Validation("INVALID_WEBHOOK_URL", "webhook url must be http or https")
	}
	if secret == "" {
		secret, err = crypto.NewWebhookSecret()
		if err != nil {
			return nil, admperr.Internal(err)
		}
	}
	return &store.Webhook{URL: rawURL, Secret: secret}, nil
}
