package security

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// ContextResolver is the contract Middleware depends on.
type ContextResolver interface {
	Resolve(ctx context.Context, claims auth.ClaimSet) (Context, error)
}

// Middleware attaches the resolved security context to each request. It must
// run after auth.Middleware.
type Middleware struct {
	Resolver ContextResolver
	Logger   *slog.Logger
}

// Resolve builds the security context or rejects the request.
func (m Middleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
			return
		}
		sc, err := m.Resolver.Resolve(r.Context(), claims)
		if err != nil {
			if httpx.StatusFor(err) == http.StatusUnauthorized {
				m.logger().Info("reject security context",
					slog.Any("error", err),
					slog.Int64("principal_id", claims.PrincipalID()),
					slog.String("path", r.URL.Path))
				httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
				return
			}
			httpx.RespondError(w, m.logger(), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), sc)))
	})
}

// LogAttrs returns request log fields describing sc.
func LogAttrs(sc Context) []any {
	attrs := []any{
		slog.Int64("principal_id", sc.principal.ID),
		slog.Int64("tenant_id", sc.effective.TenantID),
	}
	if sc.impersonating {
		attrs = append(attrs,
			slog.Int64("impersonator_id", sc.principal.ID),
			slog.Int64("effective_principal_id", sc.effective.ID))
	}
	return attrs
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
