package workers

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"stackyn/builder/internal/services"
)

// Cleaner runs one cleanup pass
type Cleaner interface {
	RunCleanup(ctx context.Context) (*services.CleanupResult, error)
}

// CleanupWorker runs the janitor on a fixed interval
type CleanupWorker struct {
	*BaseWorker
	cleaner  Cleaner
	interval time.Duration

	stopCtx context.Context
	stop    context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// NewCleanupWorker creates a new cleanup worker
func NewCleanupWorker(cleaner Cleaner, interval time.Duration, logger *zap.Logger) *CleanupWorker {
	stopCtx, stop := context.WithCancel(context.Background())
	return &CleanupWorker{
		BaseWorker: NewBaseWorker("cleanup-worker", logger),
		cleaner:    cleaner,
		interval:   interval,
		stopCtx:    stopCtx,
		stop:       stop,
		done:       make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then once per interval until ctx is
// cancelled or Stop is called
func (w *CleanupWorker) Start(ctx context.Context) error {
	w.started.Store(true)
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := context.AfterFunc(w.stopCtx, cancel)
	defer unregister()

	w.Logger.Info("Starting cleanup worker", zap.Duration("interval", w.interval))
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop interrupts the current pass and waits for the worker to exit
func (w *CleanupWorker) Stop(ctx context.Context) error {
	w.stop()
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	result, err := w.cleaner.RunCleanup(ctx)
	if err != nil {
		w.Logger.Error("Cleanup failed", zap.Error(err))
		return
	}
	w.Logger.Info("Cleanup pass finished",
		zap.Int("archives_removed", result.ArchivesRemoved),
		zap.Int("logs_removed", result.LogsRemoved),
		zap.Int("sources_removed", result.SourcesRemoved),
		zap.Int("images_removed", result.ImagesRemoved),
		zap.Uint64("space_freed_bytes", result.SpaceFreedBytes),
		zap.Strings("errors", result.Errors),
	)
}
