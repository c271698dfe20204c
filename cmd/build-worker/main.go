package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"stackyn/builder/internal/buildctx"
	"stackyn/builder/internal/classify"
	"stackyn/builder/internal/db"
	"stackyn/builder/internal/descriptor"
	"stackyn/builder/internal/engine"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/objectstore"
	"stackyn/builder/internal/pipeline"
	"stackyn/builder/internal/services"
	"stackyn/builder/internal/tasks"
	"stackyn/builder/internal/workers"
	"stackyn/builder/pkg/graceful"
)

func main() {
	config, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := infra.NewLogger(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := config.RequireRegistry(); err != nil {
		logger.Fatal("Build worker cannot push images", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, config.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	eng, err := engine.NewDockerEngine(config.Docker, logger)
	if err != nil {
		logger.Fatal("Failed to create container engine client", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	assembler := buildctx.NewAssembler(objectstore.NewMinioUploader(logger), logger)
	builds := pipeline.New(
		eng,
		assembler,
		descriptor.NewSynthesizer(config.Build.DefaultBuildpack, logger),
		pipeline.Options{
			TagMode:      config.Build.TagMode,
			CommitPolicy: classify.CommitPolicy(config.Build.CommitPolicy),
		},
		logger,
	)

	handler := tasks.NewTaskHandler(
		logger,
		config,
		services.NewGitService(logger, config.Build.WorkDir),
		db.NewBuildRepo(pool, logger),
		builds,
		services.NewBuildLogStore(config.Build.LogDir, logger),
		services.NewEventPublisher(rdb, logger),
	)

	server := workers.NewAsynqServer(config.Redis, config.WorkerConcurrency, handler, logger)
	inspector := asynq.NewInspector(tasks.RedisOpt(config.Redis))
	monitor := workers.NewDeadLetterMonitor(inspector, workers.DefaultMonitorInterval, logger)

	shutdown := graceful.NewShutdownHandler(logger, config.Build.Timeout+time.Minute)
	workers.StartAll(ctx, shutdown, func(w workers.Worker, err error) {
		logger.Fatal("Worker failed", zap.String("worker", w.Name()), zap.Error(err))
	}, server, monitor)

	logger.Info("Build worker started",
		zap.String("queue", tasks.QueueBuild),
		zap.Int("concurrency", config.WorkerConcurrency),
		zap.String("tag_mode", config.Build.TagMode),
	)

	shutdown.Register("context-uploads", graceful.ShutdownFunc(func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			assembler.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	shutdown.Register("connections", graceful.ShutdownFunc(func(context.Context) error {
		cancel()
		_ = inspector.Close()
		_ = rdb.Close()
		pool.Close()
		return eng.Close()
	}))
	shutdown.WaitForShutdown(ctx)

	logger.Info("Build worker exited")
}
