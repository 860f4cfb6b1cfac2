//go:build integration

package impersonation_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/impersonation"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/testing/pgtest"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/users"
)

type stack struct {
	pool     *pgxpool.Pool
	manager  *impersonation.Manager
	verifier *auth.Verifier
	resolver *security.Resolver
}

func newStack(t *testing.T) stack {
	t.Helper()
	pool := pgtest.Start(t)
	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys, err := auth.DeriveKeys("integration-secret-0123456789")
	require.NoError(t, err)
	revocations := auth.NewRevocationStore(rdb)
	directory := users.NewService(users.NewRepository(pool))
	manager := impersonation.NewManager(
		impersonation.NewPgRepository(pool),
		directory,
		auth.NewIssuer(keys, "pharmacy-it"),
		revocations,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		impersonation.Config{TTL: time.Hour},
	)
	return stack{
		pool:     pool,
		manager:  manager,
		verifier: auth.NewVerifier(keys, "pharmacy-it", revocations),
		resolver: security.NewResolver(directory, manager, time.Second),
	}
}

func root() security.Context {
	return security.NewContext(security.Principal{
		ID: pgtest.SuperAdminID, TenantID: pgtest.PlatformTenant, Role: rbac.RoleSuperAdmin, Email: "root@platform.test",
	})
}

func countAudit(t *testing.T, pool *pgxpool.Pool, action string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM audit_logs WHERE action = $1`, action).Scan(&n))
	return n
}

func TestImpersonationLifecycleAgainstPostgres(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.manager.Start(ctx, root(), impersonation.StartRequest{
		TargetUserID: pgtest.PharmacistID,
		Reason:       "investigating stock discrepancy",
	}, impersonation.RequestMeta{IPAddress: "10.0.0.1", UserAgent: "it"})
	require.NoError(t, err)
	assert.Equal(t, 1, countAudit(t, s.pool, "ImpersonationStarted"))

	claims, err := s.verifier.Verify(ctx, res.Token)
	require.NoError(t, err)
	sc, err := s.resolver.Resolve(ctx, claims)
	require.NoError(t, err)
	assert.True(t, sc.IsImpersonating())
	assert.Equal(t, pgtest.TenantA, sc.EffectivePrincipal().TenantID)
	assert.Equal(t, []int64{pgtest.BranchA1}, sc.EffectivePrincipal().BranchIDs)

	_, err = s.manager.Start(ctx, root(), impersonation.StartRequest{
		TargetUserID: pgtest.TenantAdminID,
		Reason:       "second session",
	}, impersonation.RequestMeta{})
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyActive)

	active, err := s.manager.Active(ctx, root())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, pgtest.PharmacistID, active[0].TargetID)

	ended, err := s.manager.Stop(ctx, root(), impersonation.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, impersonation.EndReasonStopped, ended.EndReason)
	assert.Equal(t, 1, countAudit(t, s.pool, "ImpersonationStopped"))

	_, err = s.verifier.Verify(ctx, res.Token)
	assert.ErrorIs(t, err, shared.ErrAuthenticationMissing, "stopped token is revoked")

	history, err := s.manager.History(ctx, root(), impersonation.HistoryFilter{}, shared.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), history.TotalCount)
}

func TestOneOpenSessionPerAdminIsEnforcedByTheSchema(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	insert := `INSERT INTO impersonation_sessions (id, admin_id, admin_tenant_id, target_user_id, target_role,
	tenant_id, reason, started_at, expires_at)
VALUES ($1, $2, 1, $3, 'Pharmacist', 2, 'reason', NOW(), NOW() + INTERVAL '1 hour')`

	_, err := s.pool.Exec(ctx, insert, uuid.New(), pgtest.SuperAdminID, pgtest.PharmacistID)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, insert, uuid.New(), pgtest.SuperAdminID, pgtest.CashierID)
	assert.ErrorContains(t, err, "impersonation_sessions_one_active_per_admin")
}

func TestDeactivatedTargetEndsImpersonatedAccess(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.manager.Start(ctx, root(), impersonation.StartRequest{
		TargetUserID: pgtest.PharmacistID,
		Reason:       "reproducing a dispensing issue",
	}, impersonation.RequestMeta{})
	require.NoError(t, err)
	claims, err := s.verifier.Verify(ctx, res.Token)
	require.NoError(t, err)
	_, err = s.resolver.Resolve(ctx, claims)
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, `UPDATE users SET is_active = FALSE WHERE id = $1`, pgtest.PharmacistID)
	require.NoError(t, err)
	_, err = s.resolver.Resolve(ctx, claims)
	assert.ErrorIs(t, err, shared.ErrAuthenticationMissing)
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `INSERT INTO impersonation_sessions (id, admin_id, admin_tenant_id, target_user_id,
	target_role, tenant_id, reason, started_at, expires_at)
VALUES ($1, $2, 1, $3, 'Pharmacist', 2, 'forgotten', NOW() - INTERVAL '2 hours', NOW() - INTERVAL '1 hour')`,
		uuid.New(), pgtest.SuperAdminID, pgtest.PharmacistID)
	require.NoError(t, err)

	n, err := s.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, countAudit(t, s.pool, "ImpersonationExpired"))

	_, err = s.manager.ActiveSessionForAdmin(ctx, pgtest.SuperAdminID)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)

	n, err = s.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
