package crypto

import (
	"strings"
	"testing"
	"time"
)

func TestKeyPairRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if kp.Secret == "" {
		t.Fatal("expected seed secret for server-generated key")
	}

	priv, err := KeyFromSeed(kp.Secret)
	if err != nil {
		t.Fatalf("KeyFromSeed: %v", err)
	}
	if !kp.PublicKey.Equal(priv.Public()) {
		t.Error("rebuilt private key does not match original public key")
	}
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		got, err := ParsePublicKey(EncodePublicKey(kp.PublicKey))
		if err != nil {
			t.Fatalf("ParsePublicKey: %v", err)
		}
		if !got.Equal(kp.PublicKey) {
			t.Error("decoded key differs from original")
		}
	})

	t.Run("rejects bad base64", func(t *testing.T) {
		if _, err := ParsePublicKey("not*base64"); err == nil {
			t.Error("expected error for invalid base64")
		}
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		if _, err := ParsePublicKey("c2hvcnQ="); err == nil {
			t.Error("expected error for truncated key")
		}
	})
}

func TestDIDRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	did := DIDFromPublicKey(kp.PublicKey)
	if !strings.HasPrefix(did, "did:seed:") {
		t.Fatalf("unexpected DID form %q", did)
	}
	got, err := PublicKeyFromDID(did)
	if err != nil {
		t.Fatalf("PublicKeyFromDID: %v", err)
	}
	if !got.Equal(kp.PublicKey) {
		t.Error("DID did not round-trip the public key")
	}

	if !ValidDID(did) {
		t.Errorf("ValidDID(%q) = false, want true", did)
	}
	if !ValidDID("did:web:example.com") {
		t.Error("ValidDID rejected did:web identifier")
	}
	if ValidDID("did:web:") {
		t.Error("ValidDID accepted empty did:web")
	}
	if ValidDID("agent-7") {
		t.Error("ValidDID accepted a plain agent id")
	}
}

func TestSigningBase(t *testing.T) {
	base := SigningBase("2026-01-02T15:04:05Z", []byte(`{"k":"v"}`), "alice", "bob", "corr-1")
	lines := strings.Split(string(base), "\n")
	if len(lines) != 5 {
		t.Fatalf("signing base has %d lines, want 5", len(lines))
	}
	if lines[0] != "2026-01-02T15:04:05Z" || lines[2] != "alice" || lines[3] != "bob" || lines[4] != "corr-1" {
		t.Errorf("unexpected signing base fields: %q", lines)
	}

	t.Run("absent body hashes as empty object", func(t *testing.T) {
		a := SigningBase("t", nil, "a", "b", "")
		b := SigningBase("t", []byte("{}"), "a", "b", "")
		if string(a) != string(b) {
			t.Error("nil body and {} body produced different bases")
		}
	})

	t.Run("empty correlation leaves last line empty", func(t *testing.T) {
		base := SigningBase("t", nil, "a", "b", "")
		if !strings.HasSuffix(string(base), "\n") {
			t.Error("expected trailing empty correlation line")
		}
	})
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	base := SigningBase("2026-01-02T15:04:05Z", nil, "alice", "bob", "")
	sig := Sign(kp.PrivateKey, base)

	if !Verify(kp.PublicKey, base, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(kp.PublicKey, append(base, 'x'), sig) {
		t.Error("tampered base accepted")
	}
	if Verify(kp.PublicKey, base, "bm90IGEgc2ln") {
		t.Error("garbage signature accepted")
	}

	other, _ := GenerateKeyPair()
	if Verify(other.PublicKey, base, sig) {
		t.Error("signature accepted under wrong key")
	}
}

func TestWithinSkew(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"current", now, true},
		{"exactly max behind", now.Add(-MaxTimestampSkew), true},
		{"exactly max ahead", now.Add(MaxTimestampSkew), true},
		{"past the bound", now.Add(-MaxTimestampSkew - time.Second), false},
		{"future past the bound", now.Add(MaxTimestampSkew + time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithinSkew(tc.ts, now, MaxTimestampSkew); got != tc.want {
				t.Errorf("WithinSkew = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHMAC(t *testing.T) {
	payload := []byte(`{"event":"message.received"}`)
	sig := HMACSign("s3cret", payload)
	if !HMACVerify("s3cret", payload, sig) {
		t.Error("valid HMAC rejected")
	}
	if HMACVerify("s3cret", append(payload, ' '), sig) {
		t.Error("tampered payload accepted")
	}
	if HMACVerify("other", payload, sig) {
		t.Error("wrong secret accepted")
	}
}

func TestHTTPSignature(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	date := now.Format(time.RFC1123)
	body := []byte(`{"url":"https://example.com/hook"}`)
	headers := map[string]string{"date": date, "digest": DigestHeader(body)}
	get := func(h string) string { return headers[h] }

	canonical, err := CanonicalRequestString("POST", "/api/agents/alice/webhook",
		[]string{RequestTarget, "date", "digest"}, get)
	if err != nil {
		t.Fatalf("CanonicalRequestString: %v", err)
	}
	if !strings.HasPrefix(canonical, "(request-target): post /api/agents/alice/webhook\n") {
		t.Errorf("unexpected canonical string start: %q", canonical)
	}

	header := `keyId="` + Fingerprint(kp.PublicKey) + `",algorithm="ed25519",` +
		`headers="(request-target) date digest",signature="` + Sign(kp.PrivateKey, []byte(canonical)) + `"`
	sig, err := ParseSignatureHeader(header)
	if err != nil {
		t.Fatalf("ParseSignatureHeader: %v", err)
	}
	if sig.KeyID != Fingerprint(kp.PublicKey) {
		t.Errorf("KeyID = %q, want fingerprint", sig.KeyID)
	}

	if err := VerifyRequest(kp.PublicKey, sig, canonical, now, now); err != nil {
		t.Errorf("VerifyRequest: %v", err)
	}

	t.Run("stale date rejected", func(t *testing.T) {
		err := VerifyRequest(kp.PublicKey, sig, canonical, now.Add(-10*time.Minute), now)
		if err == nil {
			t.Error("expected skew error")
		}
	})

	t.Run("wrong algorithm rejected", func(t *testing.T) {
		bad := sig
		bad.Algorithm = "rsa-sha256"
		if err := VerifyRequest(kp.PublicKey, bad, canonical, now, now); err == nil {
			t.Error("expected algorithm error")
		}
	})

	t.Run("request-target required", func(t *testing.T) {
		if _, err := CanonicalRequestString("POST", "/x", []string{"date"}, get); err == nil {
			t.Error("expected error when (request-target) is not covered")
		}
	})

	t.Run("date required", func(t *testing.T) {
		if _, err := CanonicalRequestString("POST", "/x", []string{RequestTarget, "digest"}, get); err == nil {
			t.Error("expected error when date is not covered")
		}
	})
}
