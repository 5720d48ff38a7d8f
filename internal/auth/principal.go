package auth

import (
	"context"
	"strings"
)

// Scopes an issued key can carry. An agent scope binds the key to one
// agent's inbox operations.
const (
	ScopeAdmin    = "admin"
	ScopeRegister = "register"

	scopeAgentPrefix = "agent:"
)

// AgentScope returns the scope string binding a key to one agent.
func AgentScope(agentID string) string { return scopeAgentPrefix + agentID }

// ValidScope reports whether s is a recognised scope.
func ValidScope(s string) bool {
	switch {
	case s == ScopeAdmin, s == ScopeRegister:
		return true
	case strings.HasPrefix(s, scopeAgentPrefix):
		return len(s) > len(scopeAgentPrefix)
	}
	return false
}

// Principal is the authenticated caller attached to a request. Master is
// set for the configured master key and for requests when key checks are
// disabled.
type Principal struct {
	Master bool
	KeyID  string
	Scope  string
}

// Admin reports whether the caller may perform administrative operations.
func (p *Principal) Admin() bool {
	return p != nil && (p.Master || p.Scope == ScopeAdmin)
}

// CanRegister reports whether the caller may register new agents.
func (p *Principal) CanRegister() bool {
	return p.Admin() || (p != nil && p.Scope == ScopeRegister)
}

// CanActFor reports whether the caller may operate agentID's inbox.
func (p *Principal) CanActFor(agentID string) bool {
	return p.Admin() || (p != nil && p.Scope == scopeAgentPrefix+agentID)
}

type contextKey struct{}

// WithPrincipal attaches the authenticated principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom extracts the principal, or nil when unauthenticated.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}
