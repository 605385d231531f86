package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/requests"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queueOpt, err := cfg.QueueRedisOpt()
	if err != nil {
		return fmt.Errorf("queue redis: %w", err)
	}

	metrics := observability.NewMetrics()

	source := rbac.FileSource{Path: cfg.CatalogPath, Logger: logger, OnError: metrics.CatalogReloaded}
	catalog, err := source.Load()
	if err != nil {
		logger.Error("load catalog", slog.String("path", cfg.CatalogPath), slog.Any("error", err))
		return err
	}
	holder := rbac.NewCatalogHolder(catalog)
	matrix := rbac.NewMatrixResolver(holder, cfg.MatrixCacheSize, cfg.MatrixCacheTTL)
	if cfg.CatalogWatch {
		err := source.Watch(ctx, holder, func(next *rbac.Catalog) {
			matrix.Purge()
			metrics.CatalogReloaded(nil)
			logger.Info("catalog reloaded", slog.String("version", next.Version()))
		})
		if err != nil {
			logger.Warn("catalog watch disabled", slog.Any("error", err))
		}
	}

	auditStore := audit.NewPostgresStore(pool)
	recorder := audit.NewRecorder(auditStore, audit.RecorderConfig{
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

	var locker shared.Locker = shared.NewMutexLocker()
	if cfg.LockBackend == "redis" {
		locker = shared.NewRedisLocker(redisClient, cfg.LockTTL, cfg.LockTTL)
	}

	queue := jobs.NewClient(queueOpt)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	dispatcher := jobs.NewDispatcher(queue)

	roleService := roles.NewService(roles.ServiceConfig{
		Store:    roles.NewPostgresStore(pool),
		Catalogs: holder,
		Locker:   locker,
		Audit:    recorder,
		Logger:   logger,
	})
	overrideService := overrides.NewService(overrides.NewPostgresStore(pool), locker, recorder, nil)

	engine := rbac.NewEngine(rbac.EngineConfig{
		Catalogs:  holder,
		Matrix:    matrix,
		Roles:     roleService,
		Overrides: overrideService,
		Audit:     recorder,
		Observer:  metrics,
		Logger:    logger,
		BulkAudit: rbac.ParseBulkAuditPolicy(cfg.BulkAuditPolicy),
	})
	rbacMiddleware := rbac.Middleware{Engine: engine, Logger: logger}

	requestService := requests.NewService(requests.Config{
		Repo:       requests.NewRepository(pool),
		Engine:     engine,
		Overrides:  overrideService,
		Notifier:   dispatcher,
		Audit:      recorder,
		Locker:     locker,
		Logger:     logger,
		RequestTTL: cfg.RequestTTL,
		GrantTTL:   cfg.OverrideGrantTTL,
	})

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}
	authService := auth.NewService(auth.ServiceConfig{
		Repo:       auth.NewRepository(pool),
		Challenges: auth.NewChallengeStore(redisClient, cfg.MFACodeTTL),
		Sender:     dispatcher,
		Tokens:     tokens,
		Audit:      recorder,
		Logger:     logger,
	})

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	inspector := asynq.NewInspector(queueOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Identity:           auth.IdentityResolver{Tokens: tokens, MFAMaxAge: cfg.MFAMaxAge, Logger: logger},
		AuthHandler:        auth.NewHandler(logger, authService, sessionManager, csrfManager),
		PermissionsHandler: rbachttp.NewHandler(logger, engine, holder),
		RolesHandler:       roles.NewHandler(logger, roleService, engine, rbacMiddleware),
		UsersHandler:       users.NewHandler(logger, users.NewService(users.NewRepository(pool), engine, logger), rbacMiddleware),
		RequestsHandler:    requests.NewHandler(logger, requestService, shared.NewIdempotencyStore(pool)),
		OverridesHandler:   overrides.NewHandler(logger, overrideService, requestService, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, audit.NewService(auditStore)),
		JobHandler:         jobs.NewHandler(inspector, logger),
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
		Ready: func(r *http.Request) error {
			if err := pool.Ping(r.Context()); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("catalog", catalog.Version()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
