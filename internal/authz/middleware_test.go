package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
)

type recordingAudit struct{ records []audit.Record }

func (r *recordingAudit) Log(_ context.Context, rec audit.Record) { r.records = append(r.records, rec) }

type recordingMetrics struct{ guards []string }

func (m *recordingMetrics) AuthzDenied(_ *http.Request, guard string) { m.guards = append(m.guards, guard) }

func ctxFor(role rbac.Role) security.Context {
	return security.NewContext(security.Principal{ID: 5, TenantID: 2, Role: role})
}

func impersonating(target rbac.Role) security.Context {
	admin := security.Principal{ID: 1, TenantID: 100, Role: rbac.RoleSuperAdmin}
	return security.NewImpersonatedContext(admin, security.Principal{ID: 5, TenantID: 2, Role: target}, uuid.New(), time.Now().Add(time.Hour))
}

func TestRequirePermissionUsesEffectiveRole(t *testing.T) {
	guard := RequirePermission(rbac.PermInventoryView)
	assert.False(t, guard(ctxFor(rbac.RoleCashier)).Allowed)
	assert.True(t, guard(ctxFor(rbac.RolePharmacist)).Allowed)
	assert.False(t, guard(impersonating(rbac.RoleCashier)).Allowed)
	assert.True(t, guard(impersonating(rbac.RolePharmacist)).Allowed)
	assert.False(t, RequirePermission()(ctxFor(rbac.RoleSuperAdmin)).Allowed)
}

func TestRequirePermissionNeedsAll(t *testing.T) {
	guard := RequirePermission(rbac.PermAuditView, rbac.PermAuditPurge)
	assert.False(t, guard(ctxFor(rbac.RoleTenantAdmin)).Allowed)
	assert.True(t, guard(ctxFor(rbac.RoleSuperAdmin)).Allowed)
}

func TestRequireRoleAndActorRole(t *testing.T) {
	sc := impersonating(rbac.RolePharmacist)
	assert.False(t, RequireRole(rbac.RoleSuperAdmin)(sc).Allowed)
	assert.True(t, RequireActorRole(rbac.RoleSuperAdmin)(sc).Allowed)
	assert.False(t, RequireActorRole(rbac.RoleSuperAdmin)(ctxFor(rbac.RoleTenantAdmin)).Allowed)
	assert.False(t, RequireNotImpersonating()(sc).Allowed)
	assert.True(t, RequireNotImpersonating()(ctxFor(rbac.RoleCashier)).Allowed)
}

func TestRequirePermissionAndRole(t *testing.T) {
	guard := RequirePermissionAndRole([]rbac.Permission{rbac.PermInvoiceView}, []rbac.Role{rbac.RoleTenantAdmin})
	assert.False(t, guard(ctxFor(rbac.RoleCashier)).Allowed)
	assert.True(t, guard(ctxFor(rbac.RoleTenantAdmin)).Allowed)
	assert.False(t, guard(ctxFor(rbac.RoleSuperAdmin)).Allowed)
}

func TestChainStopsAtFirstDenial(t *testing.T) {
	var calls []string
	mk := func(name string, allow bool) Guard {
		return func(security.Context) Decision {
			calls = append(calls, name)
			if allow {
				return Allow()
			}
			return Deny(name, "no")
		}
	}
	d := Chain(mk("a", true), mk("b", false), mk("c", true))(ctxFor(rbac.RoleCashier))
	assert.False(t, d.Allowed)
	assert.Equal(t, "b", d.Guard)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.False(t, Evaluate(security.Context{}).Allowed)
}

func serve(t *testing.T, mw Middleware, sc *security.Context, guards ...Guard) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	h := mw.Require(guards...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/inventory/items", nil)
	if sc != nil {
		req = req.WithContext(security.WithContext(req.Context(), *sc))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, reached
}

func TestMiddlewareDeniesCashierInventoryWithoutAudit(t *testing.T) {
	rec := &recordingAudit{}
	metrics := &recordingMetrics{}
	sc := ctxFor(rbac.RoleCashier)
	rr, reached := serve(t, Middleware{Audit: rec, Metrics: metrics}, &sc, RequirePermission(rbac.PermInventoryView))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.False(t, reached)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "authorization denied", body["error"])
	assert.Empty(t, rec.records)
	assert.Equal(t, []string{"permission:INVENTORY_VIEW"}, metrics.guards)
}

func TestMiddlewareLogsDenialsWhenConfigured(t *testing.T) {
	rec := &recordingAudit{}
	sc := ctxFor(rbac.RoleCashier)
	_, _ = serve(t, Middleware{Audit: rec, LogDenials: true}, &sc, RequirePermission(rbac.PermInventoryView))

	require.Len(t, rec.records, 1)
	got := rec.records[0]
	assert.Equal(t, audit.ActionPermissionDenied, got.Action)
	assert.Equal(t, audit.SeverityWarning, got.Severity)
	assert.False(t, got.IsSuccess)
	assert.Equal(t, int64(5), got.UserID)
	assert.Equal(t, int64(2), got.TenantID)
	assert.NotEqual(t, audit.SeverityCritical, got.Severity)
}

func TestMiddlewareAllowsAndRequiresContext(t *testing.T) {
	sc := ctxFor(rbac.RolePharmacist)
	rr, reached := serve(t, Middleware{}, &sc, RequirePermission(rbac.PermInventoryView))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, reached)

	rr, reached = serve(t, Middleware{}, nil, RequirePermission(rbac.PermInventoryView))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, reached)
}
