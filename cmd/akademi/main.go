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

	"github.com/odyssey-erp/akademi/internal/app"
	"github.com/odyssey-erp/akademi/internal/grants"
	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/observability"
	"github.com/odyssey-erp/akademi/internal/platform/cache"
	"github.com/odyssey-erp/akademi/internal/platform/db"
	"github.com/odyssey-erp/akademi/internal/rbac"
	"github.com/odyssey-erp/akademi/internal/usage"
	"github.com/odyssey-erp/akademi/jobs"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] != "serve" {
		os.Exit(runCommand(os.Args[1], os.Args[2:]))
	}
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry := rbac.DefaultRegistry()
	loadCatalog := app.CatalogLoader(cfg.CatalogPath, registry)
	catalog, err := loadCatalog()
	if err != nil {
		logger.Error("load catalog", slog.String("path", cfg.CatalogPath), slog.Any("error", err))
		os.Exit(1)
	}
	catalogHolder := rbac.NewCatalogHolder(catalog)
	logger.Info("catalog loaded", slog.Int("entries", catalog.Len()))

	metrics := observability.NewMetrics()

	var grantCache grants.Cache
	switch cfg.GrantCache {
	case "redis":
		grantCache = grants.NewRedisCache(redisClient, cfg.GrantCacheTTL)
	case "memory":
		grantCache = grants.NewMemoryCache(cfg.GrantCacheSize, cfg.GrantCacheTTL)
	}
	grantRepo := grants.NewRepository(dbpool)
	grantService := grants.NewService(grantRepo, grants.ServiceConfig{
		Registry: registry,
		Catalog:  catalogHolder,
		Cache:    grantCache,
		Logger:   logger,
	})
	grantSource := grants.NewCachedSource(grantService, grantCache, logger).WithLoadTimeout(cfg.EvalStoreTimeout)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	usageRepo := usage.NewRepository(dbpool)
	observers := []rbac.DecisionObserver{metrics}
	var recorder *usage.Recorder
	if cfg.UsageSink != "none" {
		var sink usage.Sink = usage.NewQueueSink(jobClient, jobs.QueueDefault)
		if cfg.UsageSink == "db" {
			sink = usage.NewRepositorySink(usageRepo)
		}
		sampling, _ := usage.ParseSampling(cfg.UsageSampling)
		recorder, err = usage.NewRecorder(usage.RecorderConfig{
			Sink:          sink,
			Sampling:      sampling,
			Buffer:        cfg.UsageBuffer,
			BatchSize:     cfg.UsageBatch,
			FlushInterval: cfg.UsageFlush,
			Logger:        logger,
			Dropped:       metrics.UsageDropped(),
		})
		if err != nil {
			logger.Error("init usage recorder", slog.Any("error", err))
			os.Exit(1)
		}
		observers = append(observers, recorder)
	}

	evaluator, err := rbac.NewEvaluator(rbac.EvaluatorConfig{
		Registry:     registry,
		Catalog:      catalogHolder,
		Grants:       grantSource,
		Identity:     identity.Resolver{Directory: identity.NewPGDirectory(dbpool)},
		Observers:    observers,
		Logger:       logger,
		StoreTimeout: cfg.EvalStoreTimeout,
	})
	if err != nil {
		logger.Error("init evaluator", slog.Any("error", err))
		os.Exit(1)
	}

	guards := guard.New(evaluator)
	guardMW := guard.Middleware{Guard: guards, Logger: logger}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		Identity: &identity.Middleware{
			Sessions:     identity.NewSessionStore(redisClient, cfg.SessionCookie),
			Registry:     registry,
			TrustHeaders: cfg.AuthTrustHeaders,
			Logger:       logger,
		},
		GuardHandler:   guard.NewHandler(logger, guards, registry),
		GuardMW:        guardMW,
		GrantsHandler:  grants.NewHandler(logger, grantService, guardMW),
		UsageHandler:   usage.NewHandler(logger, usage.NewService(usageRepo), guardMW),
		CatalogHandler: app.NewCatalogHandler(logger, catalogHolder, loadCatalog, guardMW),
		JobHandler:     jobs.NewHandler(inspector, jobClient, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			logger.Warn("usage recorder drain", slog.Any("error", err))
		}
	}
}
