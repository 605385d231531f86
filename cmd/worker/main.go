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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/requests"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

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

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	queueOpt, err := cfg.QueueRedisOpt()
	if err != nil {
		logger.Error("queue redis", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	source := rbac.FileSource{Path: cfg.CatalogPath, Logger: logger, OnError: metrics.CatalogReloaded}
	catalog, err := source.Load()
	if err != nil {
		logger.Error("load catalog", slog.Any("error", err))
		os.Exit(1)
	}
	holder := rbac.NewCatalogHolder(catalog)
	matrix := rbac.NewMatrixResolver(holder, cfg.MatrixCacheSize, cfg.MatrixCacheTTL)
	if cfg.CatalogWatch {
		if err := source.Watch(ctx, holder, func(*rbac.Catalog) { matrix.Purge(); metrics.CatalogReloaded(nil) }); err != nil {
			logger.Warn("catalog watch disabled", slog.Any("error", err))
		}
	}

	// Reviewer lookups are not access attempts, so this engine writes no audit entries.
	roleService := roles.NewService(roles.ServiceConfig{Store: roles.NewPostgresStore(pool), Catalogs: holder, Logger: logger})
	overrideService := overrides.NewService(overrides.NewPostgresStore(pool), nil, nil, nil)
	engine := rbac.NewEngine(rbac.EngineConfig{
		Catalogs:  holder,
		Matrix:    matrix,
		Roles:     roleService,
		Overrides: overrideService,
		Observer:  metrics,
		Logger:    logger,
	})
	recorder := audit.NewRecorder(audit.NewPostgresStore(pool), audit.RecorderConfig{
		BufferSize: cfg.AuditBuffer,
		Logger:     logger,
		Observer:   metrics,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			logger.Warn("audit recorder close", slog.Any("error", err))
		}
	}()
	requestService := requests.NewService(requests.Config{
		Repo:       requests.NewRepository(pool),
		Engine:     engine,
		Overrides:  overrideService,
		Audit:      recorder,
		Logger:     logger,
		RequestTTL: cfg.RequestTTL,
	})

	var mailer jobs.Mailer = jobs.SMTPMailer{Host: cfg.SMTPHost, Port: cfg.SMTPPort, From: cfg.SMTPFrom}
	if !cfg.IsProduction() && cfg.SMTPHost == "" {
		mailer = jobs.LogMailer{Logger: logger}
	}

	notifyJob := jobs.NewRequestNotifyJob(auth.NewRepository(pool), engine, mailer, jobMetrics, logger)
	mfaJob := jobs.NewMFACodeJob(mailer, jobMetrics)
	expiryJob := jobs.NewRequestExpiryJob(requestService, jobMetrics, logger)
	emailJob := jobs.NewEmailJob(mailer)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), cfg.IdempotencyRetention, jobMetrics, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   queueOpt,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRequestNotify, Handler: notifyJob.Handle},
			{Type: jobs.TaskMFACode, Handler: mfaJob.Handle},
			{Type: jobs.TaskRequestExpire, Handler: expiryJob.Handle},
			{Type: jobs.TaskTypeSendEmail, Handler: emailJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RequestSweepCron, Task: jobs.NewRequestExpireTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCleanupCron, Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
