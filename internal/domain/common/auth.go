package common

import (
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeImportsWrite allows registering sources, importing snapshots and
// writing relations.
const ScopeImportsWrite = "imports:write"

// Claims represents the custom claims carried by an operator's bearer token.
type Claims struct {
	Role                 string `json:"rol,omitempty"`   // Operator role (e.g., 'admin', 'operator').
	Scope                string `json:"scope,omitempty"` // Space separated scopes.
	jwt.RegisteredClaims        // Embed standard claims (ExpiresAt, IssuedAt, Subject, etc.).
}

// HasScope reports whether the space separated scope list contains s.
// Admins hold every scope.
func (c *Claims) HasScope(s string) bool {
	if c.Role == "admin" {
		return true
	}
	return slices.Contains(strings.Fields(c.Scope), s)
}
