package auth

import (
	"context"
	"testing"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// mockClock implements clock.Clock for testing.
type mockClock struct {
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time { return c.now }
func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *mockClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *mockClock) Advance(d time.Duration)         { c.now = c.now.Add(d) }

func testService(t *testing.T) (*Service, *mockClock) {
	t.Helper()
	clk := newMockClock()
	svc := NewService(Options{
		Store:     store.NewMemory(),
		Clock:     clk,
		MasterKey: "master-secret",
		Required:  true,
	})
	return svc, clk
}

func TestMintAndAuthenticate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	plaintext, rec, err := svc.Mint(ctx, MintRequest{Scope: ScopeAdmin, Label: "ci"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if rec.Hash == plaintext || rec.Hash == "" {
		t.Error("record must store a hash, not the plaintext")
	}
	if rec.LookupHash != LookupHash(plaintext) {
		t.Error("lookup hash mismatch")
	}

	p, err := svc.Authenticate(ctx, plaintext, "10.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Master {
		t.Error("issued key should not be the master principal")
	}
	if p.KeyID != rec.ID || p.Scope != ScopeAdmin {
		t.Errorf("principal = %+v", p)
	}

	// Second call hits the verified cache and still succeeds.
	if _, err := svc.Authenticate(ctx, plaintext, "10.0.0.1"); err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}

	if _, err := svc.Authenticate(ctx, "adk_nonsense", "10.0.0.1"); err == nil {
		t.Error("want error for unknown key")
	} else if admperr.KindOf(err) != admperr.KindUnauthorized {
		t.Errorf("kind = %v, want unauthorized", admperr.KindOf(err))
	}
}

func TestAuthenticateMasterKey(t *testing.T) {
	svc, _ := testService(t)

	p, err := svc.Authenticate(context.Background(), "master-secret", "10.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !p.Master || !p.Admin() {
		t.Errorf("master principal = %+v", p)
	}
}

func TestAuthenticateMissingKey(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.Authenticate(context.Background(), "", "10.0.0.1")
	if admperr.KindOf(err) != admperr.KindUnauthorized {
		t.Errorf("kind = %v, want unauthorized", admperr.KindOf(err))
	}
	if admperr.CodeOf(err) != "API_KEY_REQUIRED" {
		t.Errorf("code = %s, want API_KEY_REQUIRED", admperr.CodeOf(err))
	}
}

func TestMintValidation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	if _, _, err := svc.Mint(ctx, MintRequest{Scope: "superuser"}); admperr.KindOf(err) != admperr.KindValidation {
		t.Errorf("bad scope: kind = %v, want validation", admperr.KindOf(err))
	}
	if _, _, err := svc.Mint(ctx, MintRequest{Scope: ScopeAdmin, TTL: -time.Hour}); admperr.KindOf(err) != admperr.KindValidation {
		t.Errorf("negative ttl: kind = %v, want validation", admperr.KindOf(err))
	}
}

func TestSingleUseKeyBurns(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	plaintext, _, err := svc.Mint(ctx, MintRequest{Scope: ScopeRegister, SingleUse: true})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := svc.Authenticate(ctx, plaintext, "10.0.0.1"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err = svc.Authenticate(ctx, plaintext, "10.0.0.1")
	if err == nil {
		t.Fatal("second use of single-use key should fail")
	}
	if admperr.CodeOf(err) != "KEY_ALREADY_USED" {
		t.Errorf("code = %s, want KEY_ALREADY_USED", admperr.CodeOf(err))
	}
}

func TestRevokedKeyRejected(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	plaintext, rec, err := svc.Mint(ctx, MintRequest{Scope: ScopeAdmin})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// Warm the verified cache, then revoke.
	if _, err := svc.Authenticate(ctx, plaintext, "10.0.0.1"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := svc.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = svc.Authenticate(ctx, plaintext, "10.0.0.1")
	if admperr.CodeOf(err) != "KEY_REVOKED" {
		t.Errorf("code = %s, want KEY_REVOKED", admperr.CodeOf(err))
	}

	if err := svc.Revoke(ctx, "missing"); admperr.KindOf(err) != admperr.KindNotFound {
		t.Errorf("kind = %v, want not found", admperr.KindOf(err))
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	svc, clk := testService(t)
	ctx := context.Background()

	plaintext, _, err := svc.Mint(ctx, MintRequest{Scope: ScopeAdmin, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := svc.Authenticate(ctx, plaintext, "10.0.0.1"); err != nil {
		t.Fatalf("fresh key: %v", err)
	}

	clk.Advance(2 * time.Hour)
	_, err = svc.Authenticate(ctx, plaintext, "10.0.0.1")
	if admperr.CodeOf(err) != "KEY_EXPIRED" {
		t.Errorf("code = %s, want KEY_EXPIRED", admperr.CodeOf(err))
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	for i := 0; i < maxKeyFailures; i++ {
		if _, err := svc.Authenticate(ctx, "adk_wrong", "10.9.9.9"); admperr.KindOf(err) != admperr.KindUnauthorized {
			t.Fatalf("attempt %d: kind = %v, want unauthorized", i, admperr.KindOf(err))
		}
	}
	_, err := svc.Authenticate(ctx, "adk_wrong", "10.9.9.9")
	if admperr.KindOf(err) != admperr.KindRateLimited {
		t.Errorf("kind = %v, want rate limited", admperr.KindOf(err))
	}

	// Other IPs are unaffected.
	if _, err := svc.Authenticate(ctx, "adk_wrong", "10.9.9.8"); admperr.KindOf(err) != admperr.KindUnauthorized {
		t.Errorf("other ip kind = %v, want unauthorized", admperr.KindOf(err))
	}
}

func TestDeleteKey(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	plaintext, rec, err := svc.Mint(ctx, MintRequest{Scope: ScopeAdmin})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := svc.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Authenticate(ctx, plaintext, "10.0.0.1"); err == nil {
		t.Error("deleted key should not authenticate")
	}
	keys, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("len(keys) = %d, want 0", len(keys))
	}
}
