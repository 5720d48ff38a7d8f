package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// MaxTimestampSkew is how far an envelope or request timestamp may drift
// from hub time in either direction. Exactly at the bound is accepted.
const MaxTimestampSkew = 300 * time.Second

// SigningBase composes the exact byte string an envelope signature covers:
//
//	timestamp \n base64(SHA-256(body JSON)) \n from \n to \n correlation_id
//
// with the correlation id line empty when the envelope has none. An absent
// body hashes as the empty object so signer and verifier agree without
// re-serializing.
func SigningBase(timestamp string, body []byte, from, to, correlationID string) []byte {
	if len(body) == 0 {
		body = []byte("{}")
	}
	sum := sha256.Sum256(body)
	bodyHash := base64.StdEncoding.EncodeToString(sum[:])
	return []byte(timestamp + "\n" + bodyHash + "\n" + from + "\n" + to + "\n" + correlationID)
}

// Sign produces the base64 Ed25519 signature over a signing base.
func Sign(priv ed25519.PrivateKey, base []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, base))
}

// Verify checks a base64 Ed25519 signature over a signing base.
func Verify(pub ed25519.PublicKey, base []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, base, sig)
}

// ParseTimestamp parses the envelope's ISO 8601 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// WithinSkew reports whether t is within the allowed drift of now,
// inclusive at the bound.
func WithinSkew(t, now time.Time, max time.Duration) bool {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= max
}
