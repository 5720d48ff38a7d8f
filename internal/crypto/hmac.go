package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSign computes the hex HMAC-SHA256 carried in X-ADMP-Signature on
// webhook deliveries.
func HMACSign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACVerify checks a webhook signature in constant time. Receivers can
// use it directly when validating deliveries.
func HMACVerify(secret string, payload []byte, signature string) bool {
	want := HMACSign(secret, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
