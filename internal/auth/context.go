// Package auth carries the caller's identity and tenant scope through a
// transactional command.
package auth

import (
	"context"

	"flowplane/internal/store"
)

// Authentication describes the current caller. An empty TenantIDs slice with
// Unrestricted unset means the caller may only touch tenant-less entities.
type Authentication struct {
	UserID       string
	TenantIDs    []string
	Unrestricted bool

	// TenantCheckDisabled bypasses tenant filtering entirely. Used by the
	// job scheduler, which executes on behalf of the system.
	TenantCheckDisabled bool
}

type authKey struct{}

// WithAuthentication returns a context carrying the given authentication.
func WithAuthentication(ctx context.Context, a *Authentication) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

// FromContext extracts the authentication from the context. A missing
// authentication is treated as unrestricted, matching engine-internal calls.
func FromContext(ctx context.Context) *Authentication {
	if v, ok := ctx.Value(authKey{}).(*Authentication); ok && v != nil {
		return v
	}
	return &Authentication{Unrestricted: true}
}

// CanAccessTenant reports whether the caller may touch an entity belonging
// to the given tenant. Tenant-less entities are visible to everyone.
func (a *Authentication) CanAccessTenant(tenantID *string) bool {
	if a.Unrestricted || a.TenantCheckDisabled || tenantID == nil {
		return true
	}
	for _, id := range a.TenantIDs {
		if id == *tenantID {
			return true
		}
	}
	return false
}

// TenantFilter converts the caller's scope into a store query filter.
func (a *Authentication) TenantFilter() store.TenantFilter {
	if a.Unrestricted || a.TenantCheckDisabled {
		return store.Unrestricted
	}
	return store.TenantFilter{TenantIDs: a.TenantIDs, IncludeNoTenant: true}
}
