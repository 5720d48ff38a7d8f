// Package crypto implements the hub's signing primitives: Ed25519 agent
// keys and DIDs, the envelope signing base, webhook HMACs, and the HTTP
// signature scheme used on agent-scoped requests.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	// SeedSize is the raw Ed25519 seed length handed to agents registered
	// in legacy mode.
	SeedSize = ed25519.SeedSize

	didSeedPrefix = "did:seed:"
	didWebPrefix  = "did:web:"
)

// KeyPair holds one agent signing identity. Secret is the base64 seed and
// is only populated for server-generated keys, immediately before it is
// handed to the caller and forgotten.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Secret     string
}

// GenerateKeyPair creates a fresh Ed25519 identity for legacy-mode
// registration. The hub returns the seed once and never stores it.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
		Secret:     base64.StdEncoding.EncodeToString(priv.Seed()),
	}, nil
}

// KeyFromSeed rebuilds a private key from a base64 seed, the inverse of
// the secret returned at registration.
func KeyFromSeed(secret string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// ParsePublicKey decodes a client-supplied base64 Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey renders a public key in the base64 form used on the wire.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// Fingerprint derives the key id (kid) for a public key: the first eight
// bytes of its SHA-256, hex encoded.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// DIDFromPublicKey derives the deterministic did:seed identifier.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	return didSeedPrefix + base58.Encode(pub)
}

// PublicKeyFromDID recovers the public key embedded in a did:seed
// identifier. did:web identifiers carry no key material and are rejected.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didSeedPrefix) {
		return nil, fmt.Errorf("no key material in %q", did)
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, didSeedPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode did:seed: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("did:seed key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ValidDID reports whether s is a did:seed or did:web identifier the hub
// accepts as an alias.
func ValidDID(s string) bool {
	if strings.HasPrefix(s, didSeedPrefix) {
		_, err := PublicKeyFromDID(s)
		return err == nil
	}
	return strings.HasPrefix(s, didWebPrefix) && len(s) > len(didWebPrefix)
}

// NewWebhookSecret mints a random shared secret for webhook HMAC signing.
func NewWebhookSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
