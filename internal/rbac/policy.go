package rbac

import "sort"

var (
	cashierGrants = []Permission{
		PermInvoiceView,
		PermInvoiceCreate,
		PermPatientView,
	}
	pharmacistGrants = []Permission{
		PermInventoryView,
		PermPatientCreate,
		PermPrescriptionView,
		PermPrescriptionDispense,
	}
	tenantAdminGrants = []Permission{
		PermInventoryManage,
		PermShiftManage,
		PermBranchManage,
		PermUserManage,
		PermAuditView,
		PermAuditExport,
	}
	superAdminGrants = []Permission{
		PermAuditPurge,
		PermImpersonateUser,
		PermViewImpersonationLog,
		PermTenantManage,
	}
)

// grants is the only source of permissions. It is built once and never written afterwards.
var grants = buildGrants()

func buildGrants() map[Role]map[Permission]struct{} {
	layers := [][]Permission{cashierGrants, pharmacistGrants, tenantAdminGrants, superAdminGrants}
	table := make(map[Role]map[Permission]struct{}, len(layers))
	acc := make(map[Permission]struct{})
	for i, role := range AllRoles() {
		for _, p := range layers[i] {
			acc[p] = struct{}{}
		}
		set := make(map[Permission]struct{}, len(acc))
		for p := range acc {
			set[p] = struct{}{}
		}
		table[role] = set
	}
	return table
}

// HasPermission reports whether the static table grants perm to role.
func HasPermission(role Role, perm Permission) bool {
	set, ok := grants[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// HasAnyRole reports whether role is one of allowed.
func HasAnyRole(role Role, allowed ...Role) bool {
	if !role.Valid() {
		return false
	}
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

// HasPermissionAndRole requires every permission in perms and membership in
// any of roles. An empty perms or roles list fails closed.
func HasPermissionAndRole(role Role, perms []Permission, roles []Role) bool {
	if len(perms) == 0 || len(roles) == 0 {
		return false
	}
	for _, p := range perms {
		if !HasPermission(role, p) {
			return false
		}
	}
	return HasAnyRole(role, roles...)
}

// Permissions returns the sorted permission names granted to role.
func Permissions(role Role) []Permission {
	set := grants[role]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllowedImpersonationTargets lists the roles the given role may act as.
// Only SuperAdmin impersonates, and never another SuperAdmin.
func AllowedImpersonationTargets(role Role) []Role {
	if role != RoleSuperAdmin {
		return nil
	}
	targets := make([]Role, 0, len(roleNames))
	for _, r := range AllRoles() {
		if r.Below(RoleSuperAdmin) {
			targets = append(targets, r)
		}
	}
	return targets
}

// CanImpersonateRole reports whether actor may impersonate a user holding target.
func CanImpersonateRole(actor, target Role) bool {
	return HasAnyRole(target, AllowedImpersonationTargets(actor)...)
}

// CanManageBranch is the admin capability rule for branch administration.
// It does not consult the permission table.
func CanManageBranch(role Role, actorTenantID, branchTenantID int64) bool {
	switch role {
	case RoleSuperAdmin:
		return true
	case RoleTenantAdmin:
		return actorTenantID != 0 && actorTenantID == branchTenantID
	default:
		return false
	}
}
