package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-costing/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-costing/internal/jobs"
	"github.com/odyssey-erp/odyssey-costing/internal/observability"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-costing/jobs"
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

	pool, err := db.New(ctx, cfg.PoolConfig())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.LockMode == app.LockModeRedis {
		redisClient, err = cache.New(ctx, cfg.RedisConfig())
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	engine, err := app.NewEngine(app.EngineParams{
		Pool:    pool,
		Redis:   redisClient,
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewCostingMetrics(metrics.Registerer()),
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	glJob := jobs.NewGLReconcileJob(engine.Depletion, cfg.GLReconcileBatch, logger, jobMetrics)
	cogsJob := jobs.NewCogsReconcileJob(engine.Reporter, engine.Breakdowns, logger, jobMetrics)

	glTask, err := jobs.NewGLReconcileTask(cfg.GLReconcileBatch)
	if err != nil {
		logger.Error("build gl reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	cogsTask, err := jobs.NewCogsReconcileTask("")
	if err != nil {
		logger.Error("build cogs reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if cfg.GLReconcileCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.GLReconcileCron, Task: glTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}
	if cfg.CogsReconcileCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.CogsReconcileCron, Task: cogsTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.RedisConfig().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskGLReconcile, Handler: glJob.Handle},
			{Type: jobs.TaskCogsReconcile, Handler: cogsJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
