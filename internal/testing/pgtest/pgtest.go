//go:build integration

// Package pgtest starts a disposable PostgreSQL with the pharmacy schema for
// integration tests.
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pharmacy/migrations"
)

// Fixture ids created by Start.
const (
	PlatformTenant int64 = 1
	TenantA        int64 = 2
	TenantB        int64 = 3

	BranchA1 int64 = 10
	BranchA2 int64 = 11
	BranchB1 int64 = 20

	SuperAdminID  int64 = 100
	TenantAdminID int64 = 200
	PharmacistID  int64 = 201
	CashierID     int64 = 202
	OtherAdminID  int64 = 300
	InactiveID    int64 = 301
)

// Start runs postgres:16-alpine, applies migrations and loads the fixture.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pharmacy_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := db.New(ctx, dsn, db.Options{ApplicationName: "pharmacy-test"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.Migrate(ctx, pool, migrations.Files, nil)
	require.NoError(t, err, "apply migrations")
	_, err = pool.Exec(ctx, fixture)
	require.NoError(t, err, "load fixture")
	return pool
}

const fixture = `
INSERT INTO tenants (id, name) VALUES (1, 'Platform'), (2, 'Tenant A'), (3, 'Tenant B');
INSERT INTO branches (id, tenant_id, name) VALUES (10, 2, 'A1'), (11, 2, 'A2'), (20, 3, 'B1');
INSERT INTO users (id, tenant_id, email, name, role, is_active) VALUES
    (100, 1, 'root@platform.test', 'Root', 'SuperAdmin', TRUE),
    (200, 2, 'owner@a.test', 'Owner A', 'TenantAdmin', TRUE),
    (201, 2, 'pharm@a.test', 'Pharmacist A', 'Pharmacist', TRUE),
    (202, 2, 'cash@a.test', 'Cashier A', 'Cashier', TRUE),
    (300, 3, 'owner@b.test', 'Owner B', 'TenantAdmin', TRUE),
    (301, 3, 'gone@b.test', 'Former B', 'Pharmacist', FALSE);
INSERT INTO user_branches (user_id, branch_id, is_active) VALUES
    (201, 10, TRUE), (201, 11, FALSE), (202, 10, TRUE), (202, 20, TRUE);
INSERT INTO inventory_items (tenant_id, branch_id, sku, name, quantity) VALUES
    (2, 10, 'PCM-500', 'Paracetamol', 10),
    (2, 11, 'AMX-250', 'Amoxicillin', 5),
    (3, 20, 'IBU-400', 'Ibuprofen', 7);
`
