package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/tasks"
)

// BuildTaskHandler processes build tasks
type BuildTaskHandler interface {
	HandleBuildTask(ctx context.Context, t *asynq.Task) error
}

// AsynqServer wraps Asynq server for task processing
type AsynqServer struct {
	*BaseWorker
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler BuildTaskHandler
}

// NewAsynqServer creates a new Asynq server consuming the build queue
func NewAsynqServer(redis infra.RedisConfig, concurrency int, handler BuildTaskHandler, logger *zap.Logger) *AsynqServer {
	base := NewBaseWorker("asynq-server", logger)
	s := &AsynqServer{
		BaseWorker: base,
		server:     asynq.NewServer(tasks.RedisOpt(redis), serverConfig(concurrency, base.Logger)),
		mux:        asynq.NewServeMux(),
		handler:    handler,
	}
	s.RegisterHandlers()
	return s
}

func serverConfig(concurrency int, logger *zap.Logger) asynq.Config {
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueueBuild: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task processing error",
				zap.String("task_type", task.Type()),
				zap.Error(err),
			)
		}),
		// Build tasks carry MaxRetry(0); the delay only applies to tasks enqueued elsewhere
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(n) * time.Second
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			return delay
		},
		// A cancelled task was interrupted by shutdown, not failed by the build
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
	}
}

// RegisterHandlers registers task handlers with middleware
func (s *AsynqServer) RegisterHandlers() {
	s.mux.HandleFunc(tasks.TypeBuildTask, s.withLogging(s.handler.HandleBuildTask))
}

// withLogging attaches the worker logger to the task context and logs task timing
func (s *AsynqServer) withLogging(handler func(context.Context, *asynq.Task) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		taskID, _ := asynq.GetTaskID(ctx)
		logger := s.Logger.With(zap.String("task_id", taskID), zap.String("task_type", t.Type()))

		start := time.Now()
		err := handler(domain.WithLogger(ctx, logger), t)

		fields := []zap.Field{zap.Duration("duration", time.Since(start))}
		if err != nil {
			logger.Warn("Task finished with error", append(fields, zap.Error(err))...)
		} else {
			logger.Info("Task finished", fields...)
		}
		return err
	}
}

// Start starts the Asynq server and blocks until ctx is cancelled
func (s *AsynqServer) Start(ctx context.Context) error {
	s.Logger.Info("Starting Asynq server")

	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Stop gracefully stops the Asynq server, waiting for active builds
func (s *AsynqServer) Stop(ctx context.Context) error {
	s.Logger.Info("Stopping Asynq server")
	s.server.Shutdown()
	return nil
}
