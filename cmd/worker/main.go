package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/app"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/impersonation"
	jobmetrics "github.com/odyssey-erp/odyssey-pharmacy/internal/jobs"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/observability"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/users"
	"github.com/odyssey-erp/odyssey-pharmacy/jobs"
)

const workerAddrEnv = "WORKER_METRICS_ADDR"

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "pharmacy-worker", MaxConns: 4})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	keys, err := auth.DeriveKeys(cfg.JWTSecret)
	if err != nil {
		logger.Error("derive signing keys", slog.Any("error", err))
		os.Exit(1)
	}
	auditRecorder := audit.NewRecorder(audit.NewPgRepository(pool), logger, metrics, audit.Config{
		ExportMaxRows: cfg.AuditExportMaxRows,
	})
	manager := impersonation.NewManager(
		impersonation.NewPgRepository(pool),
		users.NewService(users.NewRepository(pool)),
		auth.NewIssuer(keys, cfg.JWTIssuer),
		auth.NewRevocationStore(redisClient),
		metrics,
		logger,
		impersonation.Config{TTL: cfg.ImpersonationTTL},
	)

	purgeJob := jobs.NewAuditPurgeJob(auditRecorder, cfg.AuditRetentionDays, cfg.AuditSystemTenantID, logger, jobMetrics)
	sweepJob := jobs.NewImpersonationSweepJob(manager, logger, jobMetrics)

	purgeTask, err := jobs.NewAuditPurgeTask(cfg.AuditRetentionDays)
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditPurge, Handler: purgeJob.Handle},
			{Type: jobs.TaskImpersonationSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditPurgeCron, Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ImpersonationSweepCron, Task: jobs.NewImpersonationSweepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	r := chi.NewRouter()
	r.Route("/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	addr := os.Getenv(workerAddrEnv)
	if addr == "" {
		addr = ":9091"
	}
	server := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return app.Serve(gctx, server, logger)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
