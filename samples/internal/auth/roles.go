// Package auth maps X-API-Key headers to roles and guards handlers by role.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/worldwormmap/wwm-stack/common/httputil"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

// Role is a caller's privilege level.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleCurator Role = "curator"
	RoleAdmin   Role = "admin"
)

var rolePriority = map[Role]int{
	RoleViewer:  1,
	RoleCurator: 2,
	RoleAdmin:   3,
}

// AtLeast reports whether r carries min's privileges.
func (r Role) AtLeast(min Role) bool {
	return rolePriority[r] >= rolePriority[min]
}

type contextKey string

const roleKey contextKey = "role"

// Keys holds the configured API keys. An empty key never matches.
type Keys struct {
	Admin   string
	Curator string
}

// Authorizer resolves API keys to roles.
type Authorizer struct {
	keys Keys
}

func NewAuthorizer(keys Keys) *Authorizer {
	return &Authorizer{keys: keys}
}

func keyMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Resolve returns the role for apiKey; unknown or missing keys are viewers.
func (a *Authorizer) Resolve(apiKey string) Role {
	switch {
	case keyMatches(apiKey, a.keys.Admin):
		return RoleAdmin
	case keyMatches(apiKey, a.keys.Curator):
		return RoleCurator
	default:
		return RoleViewer
	}
}

// IsAdminKey reports whether apiKey is the admin key.
func (a *Authorizer) IsAdminKey(apiKey string) bool {
	return keyMatches(apiKey, a.keys.Admin)
}

// Require wraps next so it only runs for callers holding at least min.
// Others get 403 {"error": "<min> role required"}.
func (a *Authorizer) Require(min Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := a.Resolve(r.Header.Get(HeaderAPIKey))
		if !role.AtLeast(min) {
			httputil.WriteError(w, http.StatusForbidden, string(min)+" role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
	}
}

// WithRole stores role in ctx.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// RoleFrom returns the role stored by Require, or RoleViewer.
func RoleFrom(ctx context.Context) Role {
	if role, ok := ctx.Value(roleKey).(Role); ok {
		return role
	}
	return RoleViewer
}
