package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	KeyPrefix   = "adk_"
	keyRawBytes = 32 // 32 bytes of randomness
	keyHashCost = bcrypt.DefaultCost
)

// GenerateKey creates a new API key with the adk_ prefix. Returns the full
// plaintext key (shown once) and its SHA-256 lookup hash.
func GenerateKey() (plaintext string, lookupHash string, err error) {
	raw := make([]byte, keyRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, LookupHash(plaintext), nil
}

// LookupHash returns the SHA-256 hex digest of a key. It indexes key
// records without storing anything reversible.
func LookupHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// HashKey returns a bcrypt hash of the plaintext key for at-rest storage.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), keyHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckKey verifies a plaintext key against a bcrypt hash.
func CheckKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ExtractAPIKey pulls the client key from a request. X-API-Key wins;
// Authorization: Bearer is accepted as an alias.
func ExtractAPIKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	return ExtractBearerToken(r.Header.Get("Authorization"))
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
