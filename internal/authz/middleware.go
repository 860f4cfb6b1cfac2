package authz

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// AuditLogger receives best-effort denial records.
type AuditLogger interface {
	Log(ctx context.Context, rec audit.Record)
}

// DenialMetrics counts denials.
type DenialMetrics interface {
	AuthzDenied(r *http.Request, guard string)
}

// Middleware wires guards into HTTP handlers.
type Middleware struct {
	Audit      AuditLogger
	LogDenials bool
	Metrics    DenialMetrics
	Logger     *slog.Logger
}

// Require short-circuits with 403 unless every guard allows the request.
func (m Middleware) Require(guards ...Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, ok := security.FromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
				return
			}
			decision := Evaluate(sc, guards...)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(r, sc, decision)
			httpx.Error(w, http.StatusForbidden, shared.ErrAuthorizationDenied.Error())
		})
	}
}

func (m Middleware) deny(r *http.Request, sc security.Context, d Decision) {
	if m.Logger != nil {
		attrs := append(security.LogAttrs(sc),
			slog.String("guard", d.Guard),
			slog.String("reason", d.Reason),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())))
		m.Logger.Info("authorization denied", attrs...)
	}
	if m.Metrics != nil {
		m.Metrics.AuthzDenied(r, d.Guard)
	}
	if !m.LogDenials || m.Audit == nil {
		return
	}
	actor := sc.Principal()
	m.Audit.Log(r.Context(), audit.Record{
		UserID:      actor.ID,
		UserEmail:   actor.Email,
		TenantID:    sc.EffectivePrincipal().TenantID,
		Action:      audit.ActionPermissionDenied,
		EntityType:  "Endpoint",
		EntityName:  r.Method + " " + route(r),
		IPAddress:   httpx.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Description: d.Reason,
		Severity:    audit.SeverityWarning,
		IsSuccess:   false,
	})
}

func route(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
