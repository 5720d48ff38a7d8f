package auth

import (
	"net/http"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	t.Run("returns adk_ prefix and lookup hash", func(t *testing.T) {
		plaintext, lookup, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		if !strings.HasPrefix(plaintext, KeyPrefix) {
			t.Errorf("expected key to start with %q, got %q", KeyPrefix, plaintext)
		}
		if len(lookup) != 64 {
			t.Errorf("expected 64-char SHA-256 hex, got %d chars", len(lookup))
		}
		if LookupHash(plaintext) != lookup {
			t.Error("lookup hash should match LookupHash(plaintext)")
		}
	})

	t.Run("keys are unique", func(t *testing.T) {
		p1, _, _ := GenerateKey()
		p2, _, _ := GenerateKey()
		if p1 == p2 {
			t.Error("two generated keys should not be identical")
		}
	})
}

func TestHashKey(t *testing.T) {
	plaintext, _, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := HashKey(plaintext)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	if !CheckKey(hash, plaintext) {
		t.Error("CheckKey should accept the original plaintext")
	}
	if CheckKey(hash, plaintext+"x") {
		t.Error("CheckKey should reject a different key")
	}
}

func TestExtractAPIKey(t *testing.T) {
	t.Run("X-API-Key header", func(t *testing.T) {
		r, _ := http.NewRequest("GET", "/", nil)
		r.Header.Set("X-API-Key", "adk_abc")
		if got := ExtractAPIKey(r); got != "adk_abc" {
			t.Errorf("got %q, want adk_abc", got)
		}
	})

	t.Run("bearer fallback", func(t *testing.T) {
		r, _ := http.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer adk_xyz")
		if got := ExtractAPIKey(r); got != "adk_xyz" {
			t.Errorf("got %q, want adk_xyz", got)
		}
	})

	t.Run("X-API-Key wins over bearer", func(t *testing.T) {
		r, _ := http.NewRequest("GET", "/", nil)
		r.Header.Set("X-API-Key", "adk_header")
		r.Header.Set("Authorization", "Bearer adk_bearer")
		if got := ExtractAPIKey(r); got != "adk_header" {
			t.Errorf("got %q, want adk_header", got)
		}
	})

	t.Run("empty when absent", func(t *testing.T) {
		r, _ := http.NewRequest("GET", "/", nil)
		if got := ExtractAPIKey(r); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestExtractBearerToken(t *testing.T) {
	if got := ExtractBearerToken("Bearer my-token-123"); got != "my-token-123" {
		t.Errorf("got %q, want my-token-123", got)
	}
	if got := ExtractBearerToken("Basic dXNlcjpwYXNz"); got != "" {
		t.Errorf("got %q, want empty for non-bearer scheme", got)
	}
	if got := ExtractBearerToken(""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := ExtractBearerToken("bearer lower"); got != "" {
		t.Errorf("got %q, want empty for lowercase scheme", got)
	}
}

func TestValidScope(t *testing.T) {
	valid := []string{ScopeAdmin, ScopeRegister, AgentScope("agent-1"), "agent:x"}
	for _, s := range valid {
		if !ValidScope(s) {
			t.Errorf("ValidScope(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "root", "agent:", "Admin", "agent"}
	for _, s := range invalid {
		if ValidScope(s) {
			t.Errorf("ValidScope(%q) = true, want false", s)
		}
	}
}

func TestPrincipal(t *testing.T) {
	tests := []struct {
		name        string
		p           *Principal
		admin       bool
		register    bool
		actForAlpha bool
	}{
		{"nil", nil, false, false, false},
		{"master", &Principal{Master: true}, true, true, true},
		{"admin scope", &Principal{Scope: ScopeAdmin}, true, true, true},
		{"register scope", &Principal{Scope: ScopeRegister}, false, true, false},
		{"matching agent scope", &Principal{Scope: AgentScope("alpha")}, false, false, true},
		{"other agent scope", &Principal{Scope: AgentScope("beta")}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Admin(); got != tt.admin {
				t.Errorf("Admin() = %v, want %v", got, tt.admin)
			}
			if got := tt.p.CanRegister(); got != tt.register {
				t.Errorf("CanRegister() = %v, want %v", got, tt.register)
			}
			if got := tt.p.CanActFor("alpha"); got != tt.actForAlpha {
				t.Errorf("CanActFor(alpha) = %v, want %v", got, tt.actForAlpha)
			}
		})
	}
}
