package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/app"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-pharmacy/internal/audit/http"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/authz"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/impersonation"
	impersonationhttp "github.com/odyssey-erp/odyssey-pharmacy/internal/impersonation/http"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/inventory"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/observability"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/users"
	"github.com/odyssey-erp/odyssey-pharmacy/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "pharmacy-api"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if _, err := db.Migrate(ctx, dbpool, migrations.Files, logger); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	keys, err := auth.DeriveKeys(cfg.JWTSecret)
	if err != nil {
		logger.Error("derive signing keys", slog.Any("error", err))
		os.Exit(1)
	}
	revocations := auth.NewRevocationStore(redisClient)
	issuer := auth.NewIssuer(keys, cfg.JWTIssuer)
	verifier := auth.NewVerifier(keys, cfg.JWTIssuer, revocations)

	auditRecorder := audit.NewRecorder(audit.NewPgRepository(dbpool), logger, metrics, audit.Config{
		WriteTimeout:  5 * time.Second,
		ExportMaxRows: cfg.AuditExportMaxRows,
	})

	userService := users.NewService(users.NewRepository(dbpool))
	impersonationManager := impersonation.NewManager(
		impersonation.NewPgRepository(dbpool),
		userService,
		issuer,
		revocations,
		metrics,
		logger,
		impersonation.Config{TTL: cfg.ImpersonationTTL},
	)
	resolver := security.NewResolver(userService, impersonationManager, cfg.SecurityLookupTimeout)

	guards := authz.Middleware{
		Audit:      auditRecorder,
		LogDenials: cfg.AuditLogDenials,
		Metrics:    metrics,
		Logger:     logger,
	}

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		Metrics:              metrics,
		Authenticator:        auth.Middleware{Verifier: verifier, Logger: logger},
		Resolver:             security.Middleware{Resolver: resolver, Logger: logger},
		Guards:               guards,
		ImpersonationHandler: impersonationhttp.NewHandler(logger, impersonationManager),
		AuditHandler:         audithttp.NewHandler(logger, auditRecorder, cfg.AuditRetentionDays),
		InventoryHandler:     inventory.NewHandler(logger, inventory.NewService(inventory.NewRepository(dbpool))),
		HealthChecks: map[string]app.HealthCheck{
			"postgres": dbpool.Ping,
			"redis":    cache.Ping(redisClient),
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	if err := app.Serve(ctx, server, logger); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
