package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"stackyn/builder/internal/infra"
)

// TaskClient wraps Asynq client for task enqueueing
type TaskClient struct {
	client       *asynq.Client
	buildTimeout time.Duration
	logger       *zap.Logger
}

// NewTaskClient creates a new task client
func NewTaskClient(redis infra.RedisConfig, buildTimeout time.Duration, logger *zap.Logger) *TaskClient {
	return &TaskClient{
		client:       asynq.NewClient(RedisOpt(redis)),
		buildTimeout: buildTimeout,
		logger:       logger,
	}
}

// RedisOpt converts the Redis configuration into Asynq connection options
func RedisOpt(redis infra.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     redis.Addr,
		Password: redis.Password,
		DB:       redis.DB,
	}
}

// Close closes the task client
func (c *TaskClient) Close() error {
	return c.client.Close()
}

// EnqueueBuildTask enqueues a build task. Builds are attempted once; the
// build id doubles as the task id so a build cannot be queued twice.
func (c *TaskClient) EnqueueBuildTask(ctx context.Context, payload BuildTaskPayload) (*asynq.TaskInfo, error) {
	task, opts, err := newBuildTask(payload, c.buildTimeout)
	if err != nil {
		return nil, err
	}

	taskInfo, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue build task: %w", err)
	}

	c.logger.Info("Build task enqueued",
		zap.String("task_id", taskInfo.ID),
		zap.String("build_id", payload.BuildID),
		zap.String("queue", taskInfo.Queue),
	)

	return taskInfo, nil
}

func newBuildTask(payload BuildTaskPayload, timeout time.Duration) (*asynq.Task, []asynq.Option, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal build task payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Queue(QueueBuild),
		asynq.TaskID(payload.BuildID),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}

	return asynq.NewTask(TypeBuildTask, payloadBytes), opts, nil
}
