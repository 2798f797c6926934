package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/akademi/internal/app"
	"github.com/odyssey-erp/akademi/internal/grants"
	jobmetrics "github.com/odyssey-erp/akademi/internal/jobs"
	"github.com/odyssey-erp/akademi/internal/platform/cache"
	"github.com/odyssey-erp/akademi/internal/platform/db"
	"github.com/odyssey-erp/akademi/internal/rbac"
	"github.com/odyssey-erp/akademi/internal/usage"
	"github.com/odyssey-erp/akademi/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	// Only the shared Redis cache can be invalidated from the worker; API
	// instances running the memory cache converge within GRANT_CACHE_TTL.
	var invalidator grants.Invalidator
	if cfg.GrantCache == "redis" {
		invalidator = grants.NewRedisCache(redisClient, cfg.GrantCacheTTL)
	}
	grantService := grants.NewService(grants.NewRepository(pool), grants.ServiceConfig{
		Registry: rbac.DefaultRegistry(),
		Cache:    invalidator,
		Logger:   logger,
	})
	metrics := jobmetrics.NewMetrics(nil)

	expireJob := jobs.NewGrantsExpireJob(grantService, logger, metrics)
	usageJob := jobs.NewUsageRecordJob(usage.NewRepository(pool), logger, metrics)

	expireTask, err := jobs.NewGrantsExpireTask("cron")
	if err != nil {
		logger.Error("build grants expire task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskGrantsExpire, Handler: expireJob.Handle},
			{Type: jobs.TaskUsageRecord, Handler: usageJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: jobs.GrantsExpireCron, Task: expireTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Timeout(time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
