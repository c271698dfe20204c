package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"stackyn/builder/internal/api"
	"stackyn/builder/internal/db"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/services"
	"stackyn/builder/internal/tasks"
	"stackyn/builder/pkg/graceful"
)

func main() {
	// Load configuration (fails fast on missing required configs)
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

	if config.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET is required to serve the API")
	}

	logger.Info("Configuration loaded successfully",
		zap.String("server_addr", config.Server.Addr),
		zap.String("server_port", config.Server.Port),
		zap.String("postgres_host", config.Postgres.Host),
		zap.String("redis_addr", config.Redis.Addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, config.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.RunMigrations(pool, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	hub := services.NewHub(logger)
	go hub.Run(ctx)

	relay := services.NewEventRelay(rdb, hub, logger)
	go func() {
		if err := relay.Run(ctx); err != nil {
			logger.Error("Build event relay stopped", zap.Error(err))
		}
	}()

	taskClient := tasks.NewTaskClient(config.Redis, config.Build.Timeout, logger)

	router := api.Router(api.Dependencies{
		Logger:         logger,
		Builds:         db.NewBuildRepo(pool, logger),
		Enqueuer:       taskClient,
		Logs:           services.NewBuildLogStore(config.Build.LogDir, logger),
		Hub:            hub,
		Tokens:         services.NewJWTService(config.JWT.Secret, logger),
		AllowedOrigins: config.Server.AllowedOrigins,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", config.Server.Addr, config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	shutdown := graceful.NewShutdownHandler(logger, 30*time.Second)
	shutdown.Register("http-server", server)
	shutdown.Register("event-relay", graceful.ShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	}))
	shutdown.Register("task-client", graceful.ShutdownFunc(func(context.Context) error {
		return taskClient.Close()
	}))
	shutdown.Register("redis", graceful.ShutdownFunc(func(context.Context) error {
		return rdb.Close()
	}))
	shutdown.Register("database", graceful.ShutdownFunc(func(context.Context) error {
		pool.Close()
		return nil
	}))
	shutdown.WaitForShutdown(ctx)

	logger.Info("Server exited")
}
