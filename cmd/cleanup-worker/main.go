package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"stackyn/builder/internal/engine"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/services"
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

	var pruner services.ImagePruner
	var eng *engine.DockerEngine
	if config.Build.PruneImages {
		eng, err = engine.NewDockerEngine(config.Docker, logger)
		if err != nil {
			logger.Fatal("Failed to create container engine client", zap.Error(err))
		}
		pruner = eng
	}

	janitor := services.NewJanitor(services.JanitorConfig{
		ArchiveDir: config.Build.ArchiveDir,
		LogDir:     config.Build.LogDir,
		WorkDir:    config.Build.WorkDir,
		Retention:  time.Duration(config.Build.RetentionDays) * 24 * time.Hour,
	}, pruner, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := graceful.NewShutdownHandler(logger, 30*time.Second)
	workers.StartAll(ctx, shutdown, func(w workers.Worker, err error) {
		logger.Error("Cleanup worker failed", zap.Error(err))
	}, workers.NewCleanupWorker(janitor, config.Build.CleanupInterval, logger))
	if eng != nil {
		shutdown.Register("engine", graceful.ShutdownFunc(func(context.Context) error {
			return eng.Close()
		}))
	}
	shutdown.WaitForShutdown(ctx)

	logger.Info("Cleanup worker exited")
}
