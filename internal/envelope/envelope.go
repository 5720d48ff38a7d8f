// Package envelope defines the signed wire format agents exchange through
// the hub and the shape validation applied before any signature work.
package envelope

import (
	"encoding/json"
	"regexp"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/crypto"
)

// Version is the only envelope version the hub accepts.
const Version = "1.0"

// MaxSubjectLen bounds direct-message subjects. Group posts apply their
// own tighter bound.
const MaxSubjectLen = 255

// addressRe covers plain agent ids, DIDs and group addresses alike; the
// reserved prefixes are enforced at registration, not here.
var addressRe = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,255}$`)

// ValidAddress reports whether s is a well-formed agent id, DID or group
// address.
func ValidAddress(s string) bool { return addressRe.MatchString(s) }

// Signature is the sender's Ed25519 attestation over the signing base.
type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Sig string `json:"sig"`
}

// Envelope is the unit agents submit to the hub. ID is assigned by the hub
// on acceptance; everything else is authored and signed by the sender.
type Envelope struct {
	Version         string          `json:"version"`
	ID              string          `json:"id,omitempty"`
	Type            string          `json:"type"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Subject         string          `json:"subject,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	Timestamp       string          `json:"timestamp"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Signature       *Signature      `json:"signature,omitempty"`
	Ephemeral       bool            `json:"ephemeral,omitempty"`
	EphemeralTTLSec int64           `json:"ephemeral_ttl_sec,omitempty"`
	TTLSec          int64           `json:"ttl_sec,omitempty"`
}

// Limits carries the configured bounds applied during validation.
type Limits struct {
	MaxBodyBytes  int
	DefaultTTLSec int64
	MaxTTLSec     int64
}

// Validate checks envelope shape and bounds and fills in the TTL default.
// Signature verification and timestamp skew are the engine's job; this
// covers everything that needs no clock and no key material.
func (e *Envelope) Validate(lim Limits) error {
	if e.Version != Version {
		return admperr.Validation("UNSUPPORTED_VERSION", "envelope version must be %q", Version)
	}
	if e.Type == "" {
		return admperr.Validation("MISSING_FIELD", "type is required")
	}
	if e.From == "" {
		return admperr.Validation("MISSING_FIELD", "from is required")
	}
	if e.To == "" {
		return admperr.Validation("MISSING_FIELD", "to is required")
	}
	if !ValidAddress(e.From) {
		return admperr.Validation("INVALID_AGENT_ID", "from is not a valid agent address")
	}
	if !ValidAddress(e.To) {
		return admperr.Validation("INVALID_AGENT_ID", "to is not a valid agent address")
	}
	if len(e.Subject) > MaxSubjectLen {
		return admperr.Validation("SUBJECT_TOO_LONG", "subject exceeds %d characters", MaxSubjectLen)
	}
	if len(e.Body) > 0 {
		if lim.MaxBodyBytes > 0 && len(e.Body) > lim.MaxBodyBytes {
			return admperr.TooLarge("BODY_TOO_LARGE", "body exceeds %d bytes", lim.MaxBodyBytes)
		}
		if !json.Valid(e.Body) {
			return admperr.Validation("INVALID_BODY", "body is not valid JSON")
		}
	}
	if e.Timestamp == "" {
		return admperr.Validation("MISSING_FIELD", "timestamp is required")
	}
	if _, err := crypto.ParseTimestamp(e.Timestamp); err != nil {
		return admperr.Validation("INVALID_TIMESTAMP", "timestamp is not ISO 8601")
	}
	if e.TTLSec < 0 {
		return admperr.Validation("INVALID_TTL", "ttl_sec must be positive")
	}
	if e.TTLSec == 0 {
		e.TTLSec = lim.DefaultTTLSec
	}
	if lim.MaxTTLSec > 0 && e.TTLSec > lim.MaxTTLSec {
		return admperr.Validation("INVALID_TTL", "ttl_sec exceeds maximum %d", lim.MaxTTLSec)
	}
	if e.EphemeralTTLSec < 0 {
		return admperr.Validation("INVALID_EPHEMERAL_TTL", "ephemeral_ttl_sec must be positive")
	}
	if e.EphemeralTTLSec > 0 && !e.Ephemeral {
		return admperr.Validation("INVALID_EPHEMERAL_TTL", "ephemeral_ttl_sec requires ephemeral")
	}
	if e.Signature == nil || e.Signature.Sig == "" {
		return admperr.Unauthorized("SIGNATURE_REQUIRED", "envelope must be signed")
	}
	if e.Signature.Alg != "ed25519" {
		return admperr.Unauthorized("UNSUPPORTED_ALG", "signature alg must be ed25519")
	}
	return nil
}

// SigningBase returns the byte string the envelope signature covers.
func (e *Envelope) SigningBase() []byte {
	return crypto.SigningBase(e.Timestamp, e.Body, e.From, e.To, e.CorrelationID)
}
