// Package authz evaluates declarative guards against the request's security
// context before a handler runs.
package authz

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
)

// Decision is the outcome of a guard.
type Decision struct {
	Allowed bool
	Guard   string
	Reason  string
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a negative decision attributed to guard.
func Deny(guard, format string, args ...any) Decision {
	return Decision{Guard: guard, Reason: fmt.Sprintf(format, args...)}
}

// Guard inspects a security context.
type Guard func(sc security.Context) Decision

// RequirePermission allows the request when the effective role holds every
// listed permission. An empty list denies.
func RequirePermission(perms ...rbac.Permission) Guard {
	name := "permission:" + joinPermissions(perms)
	return func(sc security.Context) Decision {
		if len(perms) == 0 {
			return Deny(name, "no permission configured")
		}
		role := sc.EffectivePrincipal().Role
		for _, p := range perms {
			if !rbac.HasPermission(role, p) {
				return Deny(name, "role %s lacks %s", role, p)
			}
		}
		return Allow()
	}
}

// RequireRole allows the request when the effective role is one of roles.
func RequireRole(roles ...rbac.Role) Guard {
	name := "role:" + joinRoles(roles)
	return func(sc security.Context) Decision {
		role := sc.EffectivePrincipal().Role
		if !rbac.HasAnyRole(role, roles...) {
			return Deny(name, "role %s not in [%s]", role, joinRoles(roles))
		}
		return Allow()
	}
}

// RequirePermissionAndRole requires every permission and any of the roles.
func RequirePermissionAndRole(perms []rbac.Permission, roles []rbac.Role) Guard {
	name := "permission+role:" + joinPermissions(perms) + "/" + joinRoles(roles)
	return func(sc security.Context) Decision {
		role := sc.EffectivePrincipal().Role
		if !rbac.HasPermissionAndRole(role, perms, roles) {
			return Deny(name, "role %s fails [%s] and [%s]", role, joinPermissions(perms), joinRoles(roles))
		}
		return Allow()
	}
}

// RequireActorRole checks the real principal instead of the effective one.
// While impersonating this is the admin.
func RequireActorRole(roles ...rbac.Role) Guard {
	name := "actor-role:" + joinRoles(roles)
	return func(sc security.Context) Decision {
		role := sc.Principal().Role
		if !rbac.HasAnyRole(role, roles...) {
			return Deny(name, "actor role %s not in [%s]", role, joinRoles(roles))
		}
		return Allow()
	}
}

// RequireNotImpersonating denies requests carrying an impersonation token.
func RequireNotImpersonating() Guard {
	return func(sc security.Context) Decision {
		if sc.IsImpersonating() {
			return Deny("not-impersonating", "operation unavailable while impersonating")
		}
		return Allow()
	}
}

// Chain evaluates guards in order and stops at the first denial.
func Chain(guards ...Guard) Guard {
	return func(sc security.Context) Decision {
		return Evaluate(sc, guards...)
	}
}

// Evaluate runs guards against sc. A zero context is always denied.
func Evaluate(sc security.Context, guards ...Guard) Decision {
	if sc.IsZero() {
		return Deny("authenticated", "no security context")
	}
	for _, g := range guards {
		if d := g(sc); !d.Allowed {
			return d
		}
	}
	return Allow()
}

func joinPermissions(perms []rbac.Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func joinRoles(roles []rbac.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
