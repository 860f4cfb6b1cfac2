package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

func principal(role rbac.Role, tenant int64, branches ...int64) security.Principal {
	return security.Principal{ID: 10, TenantID: tenant, Role: role, BranchIDs: branches}
}

func TestScopeForBranchScopedRoles(t *testing.T) {
	for _, role := range []rbac.Role{rbac.RoleCashier, rbac.RolePharmacist} {
		scope, err := ScopeFor(security.NewContext(principal(role, 3, 9, 4, 9)))
		require.NoError(t, err)
		assert.Equal(t, int64(3), scope.TenantID)
		assert.False(t, scope.AllBranches)
		assert.False(t, scope.CrossTenant)
		assert.Equal(t, []int64{4, 9}, scope.BranchIDs)
	}
}

func TestScopeForTenantWideRoles(t *testing.T) {
	for _, role := range []rbac.Role{rbac.RoleTenantAdmin, rbac.RoleSuperAdmin} {
		scope, err := ScopeFor(security.NewContext(principal(role, 3)))
		require.NoError(t, err)
		assert.Equal(t, Scope{TenantID: 3, AllBranches: true}, scope)
	}
}

func TestScopeForRejectsUnresolvedContext(t *testing.T) {
	_, err := ScopeFor(security.Context{})
	assert.ErrorIs(t, err, shared.ErrAuthenticationMissing)
	_, err = FromContext(context.Background())
	assert.ErrorIs(t, err, shared.ErrAuthenticationMissing)
}

func TestCrossTenantOnlyForNonImpersonatingSuperAdmin(t *testing.T) {
	admin := principal(rbac.RoleSuperAdmin, 100)
	scope, err := CrossTenantScopeFor(security.NewContext(admin))
	require.NoError(t, err)
	assert.True(t, scope.CrossTenant)
	assert.True(t, scope.AllowsTenant(7))

	tenantAdmin, err := CrossTenantScopeFor(security.NewContext(principal(rbac.RoleTenantAdmin, 3)))
	require.NoError(t, err)
	assert.False(t, tenantAdmin.CrossTenant)

	impersonated := security.NewImpersonatedContext(admin, principal(rbac.RolePharmacist, 7, 1), uuid.New(), time.Now().Add(time.Hour))
	scope, err = CrossTenantScopeFor(impersonated)
	require.NoError(t, err)
	assert.False(t, scope.CrossTenant)
	assert.Equal(t, int64(7), scope.TenantID)
	assert.Equal(t, []int64{1}, scope.BranchIDs)
}

// Every scope is pinned to the effective tenant unless the real principal is
// a SuperAdmin acting as itself on a tenant-agnostic endpoint.
func TestScopeNeverWiderThanEffectiveTenant(t *testing.T) {
	admin := principal(rbac.RoleSuperAdmin, 100)
	var contexts []security.Context
	for _, role := range rbac.AllRoles() {
		contexts = append(contexts, security.NewContext(principal(role, 5, 1, 2)))
		if role.Below(rbac.RoleSuperAdmin) {
			contexts = append(contexts, security.NewImpersonatedContext(admin, principal(role, 5, 2), uuid.New(), time.Now().Add(time.Hour)))
		}
	}
	for _, sc := range contexts {
		eff := sc.EffectivePrincipal()
		for _, build := range []func(security.Context) (Scope, error){ScopeFor, CrossTenantScopeFor} {
			scope, err := build(sc)
			require.NoError(t, err)
			if scope.CrossTenant {
				assert.Equal(t, rbac.RoleSuperAdmin, sc.Principal().Role)
				assert.False(t, sc.IsImpersonating())
				continue
			}
			assert.Equal(t, eff.TenantID, scope.TenantID)
			assert.False(t, scope.AllowsTenant(eff.TenantID+1))
			if eff.Role.Below(rbac.RoleTenantAdmin) {
				for _, b := range scope.BranchIDs {
					assert.True(t, eff.HasBranch(b))
				}
				assert.False(t, scope.AllBranches)
			}
		}
	}
}

func TestAuthorize(t *testing.T) {
	scope := Scope{TenantID: 3, BranchIDs: []int64{1}}
	assert.NoError(t, scope.Authorize(3))
	assert.ErrorIs(t, scope.Authorize(4), shared.ErrTenantMismatch)
	assert.NoError(t, scope.AuthorizeBranch(3, 1))
	assert.ErrorIs(t, scope.AuthorizeBranch(3, 2), shared.ErrTenantMismatch)
	assert.ErrorIs(t, scope.AuthorizeBranch(4, 1), shared.ErrTenantMismatch)
}

func TestPredicate(t *testing.T) {
	cases := []struct {
		name  string
		scope Scope
		where string
		args  []any
	}{
		{"branches", Scope{TenantID: 3, BranchIDs: []int64{1, 2}}, "i.tenant_id = $2 AND i.branch_id = ANY($3)", []any{int64(3), []int64{1, 2}}},
		{"no branches fails closed", Scope{TenantID: 3}, "i.tenant_id = $2 AND FALSE", []any{int64(3)}},
		{"all branches", Scope{TenantID: 3, AllBranches: true}, "i.tenant_id = $2", []any{int64(3)}},
		{"cross tenant", Scope{TenantID: 3, AllBranches: true, CrossTenant: true}, "TRUE", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			where, args := tc.scope.Predicate("i.tenant_id", "i.branch_id", 2)
			assert.Equal(t, tc.where, where)
			assert.Equal(t, tc.args, args)
		})
	}

	where, args := Scope{TenantID: 3, BranchIDs: []int64{1}}.Predicate("tenant_id", "", 1)
	assert.Equal(t, "tenant_id = $1", where)
	assert.Equal(t, []any{int64(3)}, args)
}
