package rbac

import (
	"fmt"
	"strings"
)

// Role is a position in the staff lattice. Higher values dominate lower ones.
type Role int

// Roles ordered from least to most privileged.
const (
	RoleUnknown Role = iota
	RoleCashier
	RolePharmacist
	RoleTenantAdmin
	RoleSuperAdmin
)

var roleNames = map[Role]string{
	RoleCashier:     "Cashier",
	RolePharmacist:  "Pharmacist",
	RoleTenantAdmin: "TenantAdmin",
	RoleSuperAdmin:  "SuperAdmin",
}

// AllRoles lists every known role in ascending order.
func AllRoles() []Role {
	return []Role{RoleCashier, RolePharmacist, RoleTenantAdmin, RoleSuperAdmin}
}

// String returns the canonical claim value of the role.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Below reports whether r is strictly below other in the lattice.
func (r Role) Below(other Role) bool {
	return r.Valid() && other.Valid() && r < other
}

// AtLeast reports whether r is other or above it.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && other.Valid() && r >= other
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("rbac: unknown role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole maps a claim or column value to a Role. Matching ignores case,
// spaces and underscores so "tenant_admin" and "TenantAdmin" are equal.
func ParseRole(raw string) (Role, error) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.TrimSpace(raw))
	for role, name := range roleNames {
		if strings.EqualFold(name, key) {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("rbac: unknown role %q", raw)
}

// Permission is an atomic capability granted through roles.
type Permission string

// Permission constants. Values are stable identifiers shared with clients.
const (
	PermInvoiceView          Permission = "INVOICE_VIEW"
	PermInvoiceCreate        Permission = "INVOICE_CREATE"
	PermPatientView          Permission = "PATIENT_VIEW"
	PermPatientCreate        Permission = "PATIENT_CREATE"
	PermInventoryView        Permission = "INVENTORY_VIEW"
	PermInventoryManage      Permission = "INVENTORY_MANAGE"
	PermPrescriptionView     Permission = "PRESCRIPTION_VIEW"
	PermPrescriptionDispense Permission = "PRESCRIPTION_DISPENSE"
	PermShiftManage          Permission = "SHIFT_MANAGE"
	PermBranchManage         Permission = "BRANCH_MANAGE"
	PermUserManage           Permission = "USER_MANAGE"
	PermAuditView            Permission = "AUDIT_VIEW"
	PermAuditExport          Permission = "AUDIT_EXPORT"
	PermAuditPurge           Permission = "AUDIT_PURGE"
	PermImpersonateUser      Permission = "IMPERSONATE_USER"
	PermViewImpersonationLog Permission = "VIEW_IMPERSONATION_LOGS"
	PermTenantManage         Permission = "TENANT_MANAGE"
)
