package security

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
)

// Principal is an identity resolved for a single request.
type Principal struct {
	ID        int64
	TenantID  int64
	BranchIDs []int64
	Role      rbac.Role
	Email     string
}

// HasBranch reports whether the principal is assigned to branchID.
func (p Principal) HasBranch(branchID int64) bool {
	return slices.Contains(p.BranchIDs, branchID)
}

func (p Principal) clone() Principal {
	p.BranchIDs = slices.Clone(p.BranchIDs)
	return p
}

// Context is the security context of a request. It is built once by the
// Resolver and only ever replaced, never modified.
type Context struct {
	principal     Principal
	effective     Principal
	impersonating bool
	sessionID     uuid.UUID
	expiresAt     time.Time
}

// NewContext returns a context in which the principal acts as itself.
func NewContext(p Principal) Context {
	p = p.clone()
	return Context{principal: p, effective: p}
}

// NewImpersonatedContext returns a context in which admin acts as target under
// the given session.
func NewImpersonatedContext(admin, target Principal, sessionID uuid.UUID, expiresAt time.Time) Context {
	return Context{
		principal:     admin.clone(),
		effective:     target.clone(),
		impersonating: true,
		sessionID:     sessionID,
		expiresAt:     expiresAt,
	}
}

// Principal returns the authenticated identity. While impersonating this is
// the admin driving the session.
func (c Context) Principal() Principal { return c.principal.clone() }

// EffectivePrincipal returns the identity used for authorization and scoping.
func (c Context) EffectivePrincipal() Principal { return c.effective.clone() }

// IsImpersonating reports whether an impersonation session overlays the
// principal.
func (c Context) IsImpersonating() bool { return c.impersonating }

// SessionID returns the impersonation session id, or uuid.Nil.
func (c Context) SessionID() uuid.UUID { return c.sessionID }

// SessionExpiresAt returns the impersonation session expiry, or the zero time.
func (c Context) SessionExpiresAt() time.Time { return c.expiresAt }

// IsZero reports whether the context was never resolved.
func (c Context) IsZero() bool { return c.principal.ID == 0 }

type contextKey struct{}

// WithContext stores sc in ctx.
func WithContext(ctx context.Context, sc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the security context stored in ctx.
func FromContext(ctx context.Context) (Context, bool) {
	sc, ok := ctx.Value(contextKey{}).(Context)
	if !ok || sc.IsZero() {
		return Context{}, false
	}
	return sc, true
}
