package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// DefaultLookupTimeout bounds the store lookups performed while resolving.
const DefaultLookupTimeout = 3 * time.Second

// BranchDirectory exposes live branch assignments.
type BranchDirectory interface {
	ActiveBranchIDs(ctx context.Context, userID int64) ([]int64, error)
}

// ActiveSession is the persisted state of an impersonation session as seen by
// the resolver.
type ActiveSession struct {
	ID         uuid.UUID
	AdminID    int64
	TargetID   int64
	TargetRole rbac.Role
	TenantID   int64
	ExpiresAt  time.Time

	// TargetActive is false once the target account was deactivated or moved
	// out of the session's tenant or role.
	TargetActive bool
}

// SessionLookup finds the active impersonation session of an admin. It
// returns shared.ErrSessionNotFound when the admin has none.
type SessionLookup interface {
	ActiveSessionForAdmin(ctx context.Context, adminID int64) (ActiveSession, error)
}

// Resolver builds security contexts from verified claims.
type Resolver struct {
	branches BranchDirectory
	sessions SessionLookup
	timeout  time.Duration
	now      func() time.Time
}

// NewResolver constructs a Resolver. A non-positive timeout selects
// DefaultLookupTimeout.
func NewResolver(branches BranchDirectory, sessions SessionLookup, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Resolver{branches: branches, sessions: sessions, timeout: timeout, now: time.Now}
}

// Resolve returns the security context for claims. It performs reads only.
func (r *Resolver) Resolve(ctx context.Context, claims auth.ClaimSet) (Context, error) {
	if claims.PrincipalID() <= 0 || claims.TenantID() <= 0 || !claims.Role().Valid() {
		return Context{}, shared.ErrAuthenticationMissing
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	imp, impersonating := claims.Impersonation()
	if !impersonating {
		p := Principal{
			ID:       claims.PrincipalID(),
			TenantID: claims.TenantID(),
			Role:     claims.Role(),
			Email:    claims.Email(),
		}
		branches, err := r.branchesFor(ctx, p.ID, p.Role, claims.BranchIDs())
		if err != nil {
			return Context{}, err
		}
		p.BranchIDs = branches
		return NewContext(p), nil
	}
	return r.resolveImpersonation(ctx, claims, imp)
}

func (r *Resolver) resolveImpersonation(ctx context.Context, claims auth.ClaimSet, imp auth.ImpersonationClaims) (Context, error) {
	if r.sessions == nil {
		return Context{}, fmt.Errorf("%w: impersonation not supported", shared.ErrAuthenticationMissing)
	}
	session, err := r.sessions.ActiveSessionForAdmin(ctx, imp.AdminID)
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return Context{}, fmt.Errorf("%w: impersonation session ended", shared.ErrAuthenticationMissing)
		}
		return Context{}, fmt.Errorf("security: lookup session: %w", err)
	}
	switch {
	case session.ID != imp.SessionID,
		session.TargetID != claims.PrincipalID(),
		session.TenantID != claims.TenantID(),
		session.TargetRole != claims.Role():
		return Context{}, fmt.Errorf("%w: impersonation session mismatch", shared.ErrAuthenticationMissing)
	case !r.now().Before(session.ExpiresAt):
		return Context{}, fmt.Errorf("%w: impersonation session expired", shared.ErrAuthenticationMissing)
	case !session.TargetActive:
		return Context{}, fmt.Errorf("%w: impersonation target deactivated", shared.ErrAuthenticationMissing)
	case !session.TargetRole.Below(rbac.RoleSuperAdmin):
		return Context{}, fmt.Errorf("%w: invalid impersonation target", shared.ErrAuthenticationMissing)
	}

	admin := Principal{
		ID:       imp.AdminID,
		TenantID: imp.AdminTenantID,
		Role:     rbac.RoleSuperAdmin,
		Email:    imp.AdminEmail,
	}
	target := Principal{
		ID:       session.TargetID,
		TenantID: session.TenantID,
		Role:     session.TargetRole,
		Email:    claims.Email(),
	}
	branches, err := r.branchesFor(ctx, target.ID, target.Role, nil)
	if err != nil {
		return Context{}, err
	}
	target.BranchIDs = branches
	return NewImpersonatedContext(admin, target, session.ID, session.ExpiresAt), nil
}

// branchesFor returns live assignments for branch-scoped roles. Roles with
// tenant-wide reach keep the token hints, which scoping ignores.
func (r *Resolver) branchesFor(ctx context.Context, userID int64, role rbac.Role, hint []int64) ([]int64, error) {
	if role.AtLeast(rbac.RoleTenantAdmin) {
		return hint, nil
	}
	if r.branches == nil {
		return nil, nil
	}
	ids, err := r.branches.ActiveBranchIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("security: lookup branches: %w", err)
	}
	return ids, nil
}
