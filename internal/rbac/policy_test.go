package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"Cashier":      RoleCashier,
		"pharmacist":   RolePharmacist,
		"tenant_admin": RoleTenantAdmin,
		"TenantAdmin":  RoleTenantAdmin,
		" SuperAdmin ": RoleSuperAdmin,
		"super-admin":  RoleSuperAdmin,
	}
	for raw, want := range cases {
		got, err := ParseRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseRole("Owner")
	assert.Error(t, err)
	_, err = ParseRole("")
	assert.Error(t, err)
}

func TestRoleLattice(t *testing.T) {
	assert.True(t, RoleCashier.Below(RolePharmacist))
	assert.True(t, RoleTenantAdmin.Below(RoleSuperAdmin))
	assert.False(t, RoleSuperAdmin.Below(RoleSuperAdmin))
	assert.False(t, RoleUnknown.Below(RoleCashier))
	assert.True(t, RoleSuperAdmin.AtLeast(RoleTenantAdmin))
	assert.False(t, RoleCashier.AtLeast(RolePharmacist))
}

func TestHasPermissionMatchesTable(t *testing.T) {
	expected := map[Role][]Permission{
		RoleCashier:     {PermInvoiceCreate, PermInvoiceView, PermPatientView},
		RolePharmacist:  {PermInventoryView, PermInvoiceCreate, PermInvoiceView, PermPatientCreate, PermPatientView, PermPrescriptionDispense, PermPrescriptionView},
		RoleTenantAdmin: {PermAuditExport, PermAuditView, PermBranchManage, PermInventoryManage, PermInventoryView, PermInvoiceCreate, PermInvoiceView, PermPatientCreate, PermPatientView, PermPrescriptionDispense, PermPrescriptionView, PermShiftManage, PermUserManage},
	}
	for role, perms := range expected {
		assert.Equal(t, perms, Permissions(role), role.String())
	}
	assert.Len(t, Permissions(RoleSuperAdmin), 17)
	assert.Empty(t, Permissions(RoleUnknown))

	assert.False(t, HasPermission(RoleCashier, PermInventoryView))
	assert.True(t, HasPermission(RolePharmacist, PermInventoryView))
	assert.False(t, HasPermission(RoleTenantAdmin, PermImpersonateUser))
	assert.True(t, HasPermission(RoleSuperAdmin, PermImpersonateUser))
	assert.False(t, HasPermission(RoleUnknown, PermInvoiceView))
}

func TestHasPermissionIsDeterministic(t *testing.T) {
	for _, role := range AllRoles() {
		for _, perm := range Permissions(RoleSuperAdmin) {
			first := HasPermission(role, perm)
			for i := 0; i < 5; i++ {
				assert.Equal(t, first, HasPermission(role, perm))
			}
		}
	}
}

func TestPermissionsReturnsCopy(t *testing.T) {
	perms := Permissions(RoleCashier)
	perms[0] = PermTenantManage
	assert.False(t, HasPermission(RoleCashier, PermTenantManage))
}

func TestHasAnyRole(t *testing.T) {
	assert.True(t, HasAnyRole(RolePharmacist, RoleCashier, RolePharmacist))
	assert.False(t, HasAnyRole(RolePharmacist, RoleTenantAdmin))
	assert.False(t, HasAnyRole(RolePharmacist))
	assert.False(t, HasAnyRole(RoleUnknown, RoleUnknown))
}

func TestHasPermissionAndRoleIsConjunction(t *testing.T) {
	perms := []Permission{PermInventoryView, PermPatientCreate}

	assert.True(t, HasPermissionAndRole(RolePharmacist, perms, []Role{RolePharmacist, RoleTenantAdmin}))
	// permissions satisfied but role not listed
	assert.False(t, HasPermissionAndRole(RoleSuperAdmin, perms, []Role{RolePharmacist}))
	// role listed but a permission missing
	assert.False(t, HasPermissionAndRole(RoleCashier, perms, []Role{RoleCashier}))
	assert.False(t, HasPermissionAndRole(RolePharmacist, nil, []Role{RolePharmacist}))
	assert.False(t, HasPermissionAndRole(RolePharmacist, perms, nil))
}

func TestAllowedImpersonationTargets(t *testing.T) {
	assert.Equal(t, []Role{RoleCashier, RolePharmacist, RoleTenantAdmin}, AllowedImpersonationTargets(RoleSuperAdmin))
	for _, r := range []Role{RoleCashier, RolePharmacist, RoleTenantAdmin, RoleUnknown} {
		assert.Empty(t, AllowedImpersonationTargets(r), r.String())
	}
	assert.True(t, CanImpersonateRole(RoleSuperAdmin, RoleTenantAdmin))
	assert.False(t, CanImpersonateRole(RoleSuperAdmin, RoleSuperAdmin))
	assert.False(t, CanImpersonateRole(RoleTenantAdmin, RoleCashier))
}

func TestCanManageBranch(t *testing.T) {
	assert.True(t, CanManageBranch(RoleSuperAdmin, 1, 2))
	assert.True(t, CanManageBranch(RoleTenantAdmin, 1, 1))
	assert.False(t, CanManageBranch(RoleTenantAdmin, 1, 2))
	assert.False(t, CanManageBranch(RoleTenantAdmin, 0, 0))
	assert.False(t, CanManageBranch(RolePharmacist, 1, 1))
}

func TestRoleTextRoundTrip(t *testing.T) {
	text, err := RoleTenantAdmin.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "TenantAdmin", string(text))

	var r Role
	require.NoError(t, r.UnmarshalText([]byte("pharmacist")))
	assert.Equal(t, RolePharmacist, r)

	_, err = RoleUnknown.MarshalText()
	assert.Error(t, err)
}
