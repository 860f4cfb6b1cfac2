package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func withRoute(req *http.Request, pattern string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, pattern)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withRoute(httptest.NewRequest(http.MethodGet, "/test", nil), "/test"))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `pharmacy_http_requests_total{code="418",route="/test"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `pharmacy_http_request_duration_seconds_bucket{route="/test"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestSecurityCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.AuthzDenied(withRoute(httptest.NewRequest(http.MethodGet, "/api/inventory/items", nil), "/api/inventory/items"), "permission:INVENTORY_VIEW")
	metrics.ImpersonationEvent("started")
	metrics.ImpersonationEvent("started")
	metrics.AuditWriteFailed("PermissionDenied")
	metrics.SetActiveImpersonations(3)

	body := scrape(t, metrics)
	for _, want := range []string{
		`pharmacy_authz_denials_total{guard="permission:INVENTORY_VIEW",route="/api/inventory/items"} 1`,
		`pharmacy_impersonation_events_total{event="started"} 2`,
		`pharmacy_audit_write_failures_total{action="PermissionDenied"} 1`,
		`pharmacy_impersonation_sessions_active 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.AuthzDenied(nil, "role")
	metrics.ImpersonationEvent("stopped")
	metrics.AuditWriteFailed("x")
	metrics.SetActiveImpersonations(1)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}
