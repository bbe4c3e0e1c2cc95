package models

import "strings"

// Scope is a capability label carried by a token.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// ParseScope validates s against the known scopes.
func ParseScope(s string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeRead:
		return ScopeRead, true
	case ScopeWrite:
		return ScopeWrite, true
	case ScopeAdmin:
		return ScopeAdmin, true
	}
	return "", false
}

// Identity is a user known to the credential store.
type Identity struct {
	Username     string
	PasswordHash string
	Scopes       []Scope
	Disabled     bool
}

// Principal is the verified caller attached to a request.
type Principal struct {
	Subject string
	Scopes  []Scope
}

// HasScope reports whether the principal carries scope.
func (p Principal) HasScope(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsAdmin is shorthand for HasScope(ScopeAdmin).
func (p Principal) IsAdmin() bool {
	return p.HasScope(ScopeAdmin)
}
