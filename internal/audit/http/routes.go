package audithttp

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/authz"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint query, statistik, ekspor CSV, dan cleanup.
func (h *Handler) MountRoutes(r chi.Router, guards authz.Middleware) {
	if h == nil {
		return
	}
	view := guards.Require(authz.RequirePermission(rbac.PermAuditView))
	r.With(view).Get("/", h.handleQuery)
	r.With(view).Get("/stats", h.handleStats)
	r.With(
		guards.Require(authz.RequirePermission(rbac.PermAuditExport)),
		authz.RateLimit(rateLimit, rateWindow),
	).Get("/export", h.handleExport)
	r.With(guards.Require(authz.RequirePermissionAndRole(
		[]rbac.Permission{rbac.PermAuditPurge},
		[]rbac.Role{rbac.RoleSuperAdmin},
	))).Delete("/cleanup", h.handleCleanup)
}
