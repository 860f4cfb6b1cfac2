package inventory

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/authz"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router, guards authz.Middleware) {
	r.Group(func(r chi.Router) {
		r.Use(guards.Require(authz.RequirePermission(rbac.PermInventoryView)))
		r.Get("/items", h.handleListItems)
	})
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	page, err := httpx.PageRequest(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	res, err := h.service.ListItems(r.Context(), scope, page)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
