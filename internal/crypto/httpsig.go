package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// RequestTarget is the pseudo-header every HTTP signature must cover, so a
// captured signature cannot be replayed against a different route.
const RequestTarget = "(request-target)"

// RequestSignature is a parsed Signature header:
//
//	Signature: keyId="fp",algorithm="ed25519",headers="(request-target) date digest",signature="base64"
type RequestSignature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseSignatureHeader splits the Signature header into its fields.
func ParseSignatureHeader(h string) (RequestSignature, error) {
	var sig RequestSignature
	if h == "" {
		return sig, fmt.Errorf("empty signature header")
	}
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return sig, fmt.Errorf("malformed signature field %q", part)
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "keyId":
			sig.KeyID = v
		case "algorithm":
			sig.Algorithm = v
		case "headers":
			sig.Headers = strings.Fields(strings.ToLower(v))
		case "signature":
			sig.Signature = v
		}
	}
	if sig.Signature == "" {
		return sig, fmt.Errorf("signature header missing signature field")
	}
	if len(sig.Headers) == 0 {
		sig.Headers = []string{"date"}
	}
	return sig, nil
}

// CanonicalRequestString builds the signed text for a request. method and
// path come from the request line; header values are resolved through get.
// The header list must include (request-target) and date.
func CanonicalRequestString(method, pathWithQuery string, headers []string, get func(string) string) (string, error) {
	var sawTarget, sawDate bool
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		switch h {
		case RequestTarget:
			sawTarget = true
			lines = append(lines, fmt.Sprintf("%s: %s %s", RequestTarget, strings.ToLower(method), pathWithQuery))
		default:
			if h == "date" {
				sawDate = true
			}
			v := get(h)
			if v == "" {
				return "", fmt.Errorf("signed header %q absent from request", h)
			}
			lines = append(lines, h+": "+v)
		}
	}
	if !sawTarget {
		return "", fmt.Errorf("signature must cover %s", RequestTarget)
	}
	if !sawDate {
		return "", fmt.Errorf("signature must cover date")
	}
	return strings.Join(lines, "\n"), nil
}

// DigestHeader computes the Digest header value for a request body.
func DigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyRequest checks a parsed signature against a public key and the
// canonical string, enforcing algorithm and date skew.
func VerifyRequest(pub ed25519.PublicKey, sig RequestSignature, canonical string, date time.Time, now time.Time) error {
	if sig.Algorithm != "" && sig.Algorithm != "ed25519" {
		return fmt.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}
	if !WithinSkew(date, now, MaxTimestampSkew) {
		return fmt.Errorf("request date outside allowed skew")
	}
	if !Verify(pub, []byte(canonical), sig.Signature) {
		return fmt.Errorf("request signature verification failed")
	}
	return nil
}
