package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

type claimsContextKey struct{}

// ContextWithClaims stores the claim set in context.
func ContextWithClaims(ctx context.Context, cs ClaimSet) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, cs)
}

// ClaimsFromContext extracts the claim set from context.
func ClaimsFromContext(ctx context.Context) (ClaimSet, bool) {
	cs, ok := ctx.Value(claimsContextKey{}).(ClaimSet)
	return cs, ok
}

// TokenVerifier is the contract Middleware depends on.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (ClaimSet, error)
}

// Middleware decodes the bearer token of every request it wraps.
type Middleware struct {
	Verifier TokenVerifier
	Logger   *slog.Logger
}

// Authenticate rejects requests without a valid bearer token with 401.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
			return
		}
		cs, err := m.Verifier.Verify(r.Context(), raw)
		if err != nil {
			if httpx.StatusFor(err) != http.StatusUnauthorized {
				httpx.RespondError(w, m.Logger, err)
				return
			}
			if m.Logger != nil {
				m.Logger.Debug("reject token", slog.Any("error", err), slog.String("path", r.URL.Path))
			}
			httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), cs)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
