package impersonationhttp

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/authz"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
)

const (
	startRateLimit  = 5
	startRateWindow = time.Minute
)

// MountRoutes registers the impersonation endpoints under r.
func (h *Handler) MountRoutes(r chi.Router, guards authz.Middleware) {
	if h == nil {
		return
	}
	superAdmin := []rbac.Role{rbac.RoleSuperAdmin}

	r.Get("/status", h.handleStatus)
	r.With(guards.Require(authz.RequireActorRole(superAdmin...))).Post("/stop", h.handleStop)
	r.With(
		guards.Require(
			authz.RequireActorRole(superAdmin...),
			authz.RequireNotImpersonating(),
			authz.RequirePermission(rbac.PermImpersonateUser),
		),
		authz.RateLimit(startRateLimit, startRateWindow),
	).Post("/start", h.handleStart)

	r.Group(func(gr chi.Router) {
		gr.Use(guards.Require(authz.RequireRole(superAdmin...)))
		gr.Get("/active", h.handleActive)
		gr.With(guards.Require(authz.RequirePermission(rbac.PermViewImpersonationLog))).Get("/history", h.handleHistory)
		gr.With(guards.Require(authz.RequirePermission(rbac.PermImpersonateUser))).Get("/users/search", h.handleSearch)
	})
}
