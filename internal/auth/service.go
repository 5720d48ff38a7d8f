// Package auth issues and verifies hub API keys. Keys are random adk_
// strings shown once at mint time; the store keeps a bcrypt hash for
// verification plus a SHA-256 lookup hash so authentication stays O(1).
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/clock"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// verifiedCacheSize bounds the cache of keys that already passed a bcrypt
// check, so steady-state requests skip the expensive comparison.
const verifiedCacheSize = 1024

// KeyStore is the persistence surface the service needs.
type KeyStore interface {
	CreateIssuedKey(ctx context.Context, k *store.IssuedKey) error
	GetIssuedKey(ctx context.Context, id string) (*store.IssuedKey, error)
	GetIssuedKeyByLookupHash(ctx context.Context, lookupHash string) (*store.IssuedKey, error)
	UpdateIssuedKey(ctx context.Context, k *store.IssuedKey) error
	BurnSingleUseKey(ctx context.Context, id string, nowMS int64) (bool, error)
	ListIssuedKeys(ctx context.Context) ([]*store.IssuedKey, error)
	DeleteIssuedKey(ctx context.Context, id string) error
}

// Service authenticates callers and manages issued keys.
type Service struct {
	keys       KeyStore
	clk        clock.Clock
	log        *logging.Logger
	master     string
	requireKey bool
	limiter    *RateLimiter
	verified   *lru.Cache[string, string] // lookup hash -> verified key id
}

// Options configures a Service.
type Options struct {
	Store     KeyStore
	Clock     clock.Clock
	Log       *logging.Logger
	MasterKey string
	Required  bool
}

// NewService creates the auth service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	cache, _ := lru.New[string, string](verifiedCacheSize)
	return &Service{
		keys:       opts.Store,
		clk:        opts.Clock,
		log:        opts.Log,
		master:     opts.MasterKey,
		requireKey: opts.Required,
		limiter:    NewRateLimiter(opts.Clock),
		verified:   cache,
	}
}

// Required reports whether requests must present an API key.
func (s *Service) Required() bool { return s.requireKey }

// MintRequest describes a key to issue.
type MintRequest struct {
	Scope     string
	Label     string
	SingleUse bool
	TTL       time.Duration
}

// Mint issues a new API key. The plaintext is returned exactly once and
// never stored.
func (s *Service) Mint(ctx context.Context, req MintRequest) (string, *store.IssuedKey, error) {
	if !ValidScope(req.Scope) {
		return "", nil, admperr.Validation("INVALID_SCOPE", "scope must be admin, register, or agent:<agent_id>")
	}
	if req.TTL < 0 {
		return "", nil, admperr.Validation("INVALID_EXPIRY", "expires_in_sec must be >= 0")
	}

	plaintext, lookup, err := GenerateKey()
	if err != nil {
		return "", nil, admperr.Internal(err)
	}
	hash, err := HashKey(plaintext)
	if err != nil {
		return "", nil, admperr.Internal(err)
	}

	now := clock.MS(s.clk.Now())
	k := &store.IssuedKey{
		ID:          uuid.NewString(),
		Hash:        hash,
		LookupHash:  lookup,
		Scope:       req.Scope,
		Label:       req.Label,
		SingleUse:   req.SingleUse,
		CreatedAtMS: now,
	}
	if req.TTL > 0 {
		k.ExpiresAtMS = now + req.TTL.Milliseconds()
	}
	if err := s.keys.CreateIssuedKey(ctx, k); err != nil {
		return "", nil, admperr.Internal(err)
	}

	s.log.Info("api key minted", "key_id", k.ID, "scope", k.Scope, "single_use", k.SingleUse)
	return plaintext, k, nil
}

// Authenticate resolves a raw key to a principal. The client IP feeds the
// failed-attempt limiter.
func (s *Service) Authenticate(ctx context.Context, rawKey, ip string) (*Principal, error) {
	if rawKey == "" {
		return nil, admperr.Unauthorized("API_KEY_REQUIRED", "missing API key")
	}
	if s.master != "" && subtle.ConstantTimeCompare([]byte(rawKey), []byte(s.master)) == 1 {
		return &Principal{Master: true, Scope: ScopeAdmin}, nil
	}
	if !s.limiter.Allow(ip) {
		return nil, admperr.RateLimited("RATE_LIMITED", "too many failed authentication attempts")
	}

	lookup := LookupHash(rawKey)
	k, err := s.keys.GetIssuedKeyByLookupHash(ctx, lookup)
	if errors.Is(err, store.ErrNotFound) {
		s.limiter.RecordFailure(ip)
		return nil, admperr.Unauthorized("INVALID_API_KEY", "unknown API key")
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}

	verified := false
	if id, ok := s.verified.Get(lookup); ok && id == k.ID {
		verified = true
	}
	if !verified && !CheckKey(k.Hash, rawKey) {
		s.limiter.RecordFailure(ip)
		return nil, admperr.Unauthorized("INVALID_API_KEY", "unknown API key")
	}

	if k.Revoked {
		return nil, admperr.Unauthorized("KEY_REVOKED", "API key has been revoked")
	}
	now := clock.MS(s.clk.Now())
	if k.ExpiresAtMS > 0 && now > k.ExpiresAtMS {
		return nil, admperr.Unauthorized("KEY_EXPIRED", "API key has expired")
	}

	if k.SingleUse {
		ok, err := s.keys.BurnSingleUseKey(ctx, k.ID, now)
		if err != nil {
			return nil, admperr.Internal(err)
		}
		if !ok {
			return nil, admperr.Unauthorized("KEY_ALREADY_USED", "single-use key was already redeemed")
		}
		s.log.Info("single-use key redeemed", "key_id", k.ID, "scope", k.Scope)
	} else {
		s.verified.Add(lookup, k.ID)
	}

	s.limiter.Reset(ip)
	return &Principal{KeyID: k.ID, Scope: k.Scope}, nil
}

// Get returns one issued key record.
func (s *Service) Get(ctx context.Context, id string) (*store.IssuedKey, error) {
	k, err := s.keys.GetIssuedKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, admperr.NotFound("KEY_NOT_FOUND", "no such API key")
	}
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return k, nil
}

// List returns all issued key records.
func (s *Service) List(ctx context.Context) ([]*store.IssuedKey, error) {
	keys, err := s.keys.ListIssuedKeys(ctx)
	if err != nil {
		return nil, admperr.Internal(err)
	}
	return keys, nil
}

// Revoke marks a key unusable. Existing cached verifications are dropped.
func (s *Service) Revoke(ctx context.Context, id string) error {
	k, err := s.keys.GetIssuedKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return admperr.NotFound("KEY_NOT_FOUND", "no such API key")
	}
	if err != nil {
		return admperr.Internal(err)
	}
	if !k.Revoked {
		k.Revoked = true
		if err := s.keys.UpdateIssuedKey(ctx, k); err != nil {
			return admperr.Internal(err)
		}
	}
	s.verified.Remove(k.LookupHash)
	s.log.Info("api key revoked", "key_id", k.ID, "scope", k.Scope)
	return nil
}

// Delete removes a key record entirely.
func (s *Service) Delete(ctx context.Context, id string) error {
	k, err := s.keys.GetIssuedKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return admperr.NotFound("KEY_NOT_FOUND", "no such API key")
	}
	if err != nil {
		return admperr.Internal(err)
	}
	s.verified.Remove(k.LookupHash)
	if err := s.keys.DeleteIssuedKey(ctx, id); err != nil {
		return admperr.Internal(err)
	}
	return nil
}

// CleanupLimiter drops stale rate-limit entries. Called by the sweeper.
func (s *Service) CleanupLimiter() { s.limiter.Cleanup() }
