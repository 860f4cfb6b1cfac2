package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/odyssey-erp/odyssey-pharmacy/internal/audit/http"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/authz"
	impersonationhttp "github.com/odyssey-erp/odyssey-pharmacy/internal/impersonation/http"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/inventory"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/observability"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	Authenticator auth.Middleware
	Resolver      security.Middleware
	Guards        authz.Middleware

	ImpersonationHandler *impersonationhttp.Handler
	AuditHandler         *audithttp.Handler
	InventoryHandler     *inventory.Handler

	HealthChecks map[string]HealthCheck
}

// NewRouter constructs the chi.Router with pharmacy defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(params.HealthChecks))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(params.Authenticator.Authenticate)
		r.Use(params.Resolver.Resolve)
		r.Use(captureSecurity)

		if params.ImpersonationHandler != nil {
			r.Route("/impersonation", func(r chi.Router) {
				params.ImpersonationHandler.MountRoutes(r, params.Guards)
			})
		}
		if params.AuditHandler != nil {
			r.Route("/auditlog", func(r chi.Router) {
				params.AuditHandler.MountRoutes(r, params.Guards)
			})
		}
		if params.InventoryHandler != nil {
			r.Route("/inventory", func(r chi.Router) {
				params.InventoryHandler.MountRoutes(r, params.Guards)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		report := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report["status"] = "degraded"
				report[name] = "unavailable"
				continue
			}
			report[name] = "ok"
		}
		httpx.JSON(w, status, report)
	}
}
