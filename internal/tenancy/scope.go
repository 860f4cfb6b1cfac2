// Package tenancy derives the tenant and branch filter every data query must
// apply.
package tenancy

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// Scope is the row filter derived from a security context.
type Scope struct {
	TenantID    int64
	AllBranches bool
	BranchIDs   []int64
	// CrossTenant is only set by CrossTenantScopeFor.
	CrossTenant bool
}

// ScopeFor returns the filter for the effective principal of sc. The tenant is
// always pinned; TenantAdmin and SuperAdmin see every branch of it, other roles
// only their active assignments.
func ScopeFor(sc security.Context) (Scope, error) {
	if sc.IsZero() {
		return Scope{}, shared.ErrAuthenticationMissing
	}
	p := sc.EffectivePrincipal()
	if p.TenantID <= 0 {
		return Scope{}, fmt.Errorf("%w: effective principal has no tenant", shared.ErrAuthenticationMissing)
	}
	if p.Role.AtLeast(rbac.RoleTenantAdmin) {
		return Scope{TenantID: p.TenantID, AllBranches: true}, nil
	}
	branches := slices.Clone(p.BranchIDs)
	slices.Sort(branches)
	return Scope{TenantID: p.TenantID, BranchIDs: slices.Compact(branches)}, nil
}

// CrossTenantScopeFor is used by tenant-agnostic endpoints. A SuperAdmin that is
// not impersonating gets an unrestricted scope; everyone else gets ScopeFor.
func CrossTenantScopeFor(sc security.Context) (Scope, error) {
	if sc.IsZero() {
		return Scope{}, shared.ErrAuthenticationMissing
	}
	if !sc.IsImpersonating() && sc.Principal().Role == rbac.RoleSuperAdmin {
		return Scope{TenantID: sc.Principal().TenantID, AllBranches: true, CrossTenant: true}, nil
	}
	return ScopeFor(sc)
}

// FromContext resolves the scope of the request in ctx.
func FromContext(ctx context.Context) (Scope, error) {
	sc, ok := security.FromContext(ctx)
	if !ok {
		return Scope{}, shared.ErrAuthenticationMissing
	}
	return ScopeFor(sc)
}

// AllowsTenant reports whether rows of tenantID are visible.
func (s Scope) AllowsTenant(tenantID int64) bool {
	return s.CrossTenant || s.TenantID == tenantID
}

// AllowsBranch reports whether rows of branchID in tenantID are visible.
func (s Scope) AllowsBranch(tenantID, branchID int64) bool {
	if !s.AllowsTenant(tenantID) {
		return false
	}
	return s.AllBranches || slices.Contains(s.BranchIDs, branchID)
}

// Authorize fails with shared.ErrTenantMismatch when tenantID is out of scope.
func (s Scope) Authorize(tenantID int64) error {
	if !s.AllowsTenant(tenantID) {
		return fmt.Errorf("%w: tenant %d", shared.ErrTenantMismatch, tenantID)
	}
	return nil
}

// AuthorizeBranch fails with shared.ErrTenantMismatch when the branch is out
// of scope.
func (s Scope) AuthorizeBranch(tenantID, branchID int64) error {
	if !s.AllowsBranch(tenantID, branchID) {
		return fmt.Errorf("%w: branch %d", shared.ErrTenantMismatch, branchID)
	}
	return nil
}

// Predicate renders the scope as a SQL condition with positional arguments
// numbered from argStart. branchColumn may be empty for tables without a
// branch dimension; a branch-limited scope then still filters by tenant. An
// empty branch set matches nothing.
func (s Scope) Predicate(tenantColumn, branchColumn string, argStart int) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(argStart+len(args)-1)
	}
	if !s.CrossTenant {
		clauses = append(clauses, tenantColumn+" = "+next(s.TenantID))
	}
	if !s.AllBranches && branchColumn != "" {
		if len(s.BranchIDs) == 0 {
			clauses = append(clauses, "FALSE")
		} else {
			clauses = append(clauses, branchColumn+" = ANY("+next(slices.Clone(s.BranchIDs))+")")
		}
	}
	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(clauses, " AND "), args
}
