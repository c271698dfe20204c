package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/pipeline"
	"stackyn/builder/internal/services"
)

// cloneDepth is the history depth fetched for a build
const cloneDepth = 1

// GitService interface for repository operations
type GitService interface {
	Clone(ctx context.Context, buildID string, opts services.CloneOptions) (*services.CloneResult, error)
	Cleanup(buildID string) error
}

// BuildRepository interface for build record updates
type BuildRepository interface {
	UpdateState(ctx context.Context, id string, state domain.PipelineState) error
	Complete(ctx context.Context, id string, outcome *domain.BuildOutcome) error
	Fail(ctx context.Context, id string, failedIn domain.PipelineState, buildErr error) error
}

// Executor runs a build request through the pipeline
type Executor interface {
	Execute(ctx context.Context, req domain.BuildRequest, observer pipeline.Observer) (*domain.BuildOutcome, error)
}

// LogStore opens the persisted log of a build
type LogStore interface {
	Open(user, name, buildID string) (*services.BuildLog, error)
}

// EventPublisher publishes the live events of a build
type EventPublisher interface {
	ForBuild(ctx context.Context, buildID string) *services.BuildEventSink
}

// TaskHandler handles task processing
type TaskHandler struct {
	logger    *zap.Logger
	config    *infra.Config
	git       GitService
	repo      BuildRepository
	executor  Executor
	logs      LogStore
	publisher EventPublisher
}

// NewTaskHandler creates a new task handler. logs and publisher may be nil.
func NewTaskHandler(
	logger *zap.Logger,
	config *infra.Config,
	git GitService,
	repo BuildRepository,
	executor Executor,
	logs LogStore,
	publisher EventPublisher,
) *TaskHandler {
	return &TaskHandler{
		logger:    logger,
		config:    config,
		git:       git,
		repo:      repo,
		executor:  executor,
		logs:      logs,
		publisher: publisher,
	}
}

// HandleBuildTask clones the sources of a queued build, runs the pipeline
// over them and records the outcome. Failures are never retried.
func (h *TaskHandler) HandleBuildTask(ctx context.Context, t *asynq.Task) error {
	var payload BuildTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal build task payload: %v: %w", err, asynq.SkipRetry)
	}
	if !domain.ValidBuildID(payload.BuildID) {
		return fmt.Errorf("build task payload has an invalid build id %q: %w", payload.BuildID, asynq.SkipRetry)
	}

	ctx = domain.WithBuildID(ctx, payload.BuildID)
	logger := domain.LoggerFromContext(ctx, h.logger)
	ctx = domain.WithLogger(ctx, h.logger)

	if err := payload.Validate(); err != nil {
		invalid := pipelineerrors.Wrap(pipelineerrors.ErrorCodeInvalidRequest, err)
		return h.fail(context.WithoutCancel(ctx), logger, payload.BuildID, domain.StateIdle, invalid)
	}

	logger.Info("Processing build task",
		zap.String("user", payload.User),
		zap.String("name", payload.Name),
		zap.String("tag", payload.Tag),
		zap.String("repo_url", payload.RepoURL),
	)

	// Records must be written even when the task deadline has passed
	recordCtx := context.WithoutCancel(ctx)

	if err := h.repo.UpdateState(recordCtx, payload.BuildID, domain.StateIdle); err != nil {
		logger.Warn("Failed to mark build as running", zap.Error(err))
	}

	recorder := &stateRecorder{ctx: recordCtx, repo: h.repo, buildID: payload.BuildID, logger: logger}
	observers := []pipeline.Observer{recorder}

	if h.logs != nil {
		buildLog, err := h.logs.Open(payload.User, payload.Name, payload.BuildID)
		if err != nil {
			logger.Warn("Failed to open build log", zap.Error(err))
		} else {
			defer buildLog.Close()
			observers = append(observers, buildLog)
		}
	}
	if h.publisher != nil {
		observers = append(observers, h.publisher.ForBuild(ctx, payload.BuildID))
	}
	observer := pipeline.Fanout(observers...)

	progress := newProgressWriter(observer)
	clone, err := h.git.Clone(ctx, payload.BuildID, services.CloneOptions{
		RepoURL:  payload.RepoURL,
		Branch:   payload.Branch,
		Depth:    cloneDepth,
		Progress: progress,
	})
	progress.Flush()
	if err != nil {
		cloneErr := pipelineerrors.Wrap(pipelineerrors.ErrorCodeContext, err, "clone "+services.RedactURL(payload.RepoURL))
		observer.OnEvent(failedEvent(domain.StateIdle, cloneErr))
		return h.fail(recordCtx, logger, payload.BuildID, domain.StateIdle, cloneErr)
	}
	defer func() {
		if err := h.git.Cleanup(payload.BuildID); err != nil {
			logger.Warn("Failed to remove build sources", zap.Error(err))
		}
	}()

	logger.Info("Sources ready", zap.String("commit_sha", clone.CommitSHA), zap.String("path", clone.Path))

	outcome, err := h.executor.Execute(ctx, h.buildRequest(payload, clone.Path), observer)
	if err != nil {
		failedIn := recorder.failedIn
		if failedIn == "" {
			failedIn = domain.StateIdle
		}
		return h.fail(recordCtx, logger, payload.BuildID, failedIn, err)
	}

	if err := h.repo.Complete(recordCtx, payload.BuildID, outcome); err != nil {
		logger.Error("Failed to record build outcome", zap.Error(err))
		return fmt.Errorf("failed to record build outcome: %v: %w", err, asynq.SkipRetry)
	}

	logger.Info("Build task completed",
		zap.String("image_reference", outcome.ImageReference),
		zap.Int64("image_size_bytes", outcome.ImageSizeBytes),
	)
	return nil
}

func (h *TaskHandler) fail(ctx context.Context, logger *zap.Logger, buildID string, failedIn domain.PipelineState, buildErr error) error {
	if err := h.repo.Fail(ctx, buildID, failedIn, buildErr); err != nil {
		logger.Error("Failed to record build failure", zap.Error(err))
	}
	return fmt.Errorf("build %s failed: %v: %w", buildID, buildErr, asynq.SkipRetry)
}

// buildRequest combines a task payload with the worker configuration
func (h *TaskHandler) buildRequest(payload BuildTaskPayload, sourceFolder string) domain.BuildRequest {
	req := domain.BuildRequest{
		Registry:        h.config.Registry.Address,
		User:            payload.User,
		Name:            payload.Name,
		Tag:             payload.Tag,
		SourceFolder:    sourceFolder,
		Buildpack:       payload.Buildpack,
		RawMode:         payload.RawMode,
		ArchiveStoreDir: h.config.Build.ArchiveDir,
		Auth: domain.AuthConfig{
			Username:      h.config.Registry.Username,
			Password:      h.config.Registry.Password,
			ServerAddress: h.config.Registry.Address,
		},
	}

	if store := h.config.ObjectStore; store.Enabled {
		req.ObjectStore = &domain.ObjectStoreConfig{
			Endpoint:  store.Endpoint,
			AccessKey: store.AccessKey,
			SecretKey: store.SecretKey,
			Bucket:    store.Bucket,
			Region:    store.Region,
			UseSSL:    store.UseSSL,
		}
	}
	return req
}

func failedEvent(state domain.PipelineState, err error) domain.Event {
	return domain.Event{
		Kind:      domain.EventBuildFailed,
		State:     state,
		Err:       err,
		ErrorCode: string(pipelineerrors.CodeOf(err)),
		Error:     err.Error(),
	}
}

// stateRecorder mirrors pipeline state transitions into the build record
type stateRecorder struct {
	ctx     context.Context
	repo    BuildRepository
	buildID string
	logger  *zap.Logger

	failedIn domain.PipelineState
}

func (r *stateRecorder) OnEvent(event domain.Event) {
	switch event.Kind {
	case domain.EventStateChanged:
		if event.State.Terminal() {
			return
		}
		if err := r.repo.UpdateState(r.ctx, r.buildID, event.State); err != nil {
			r.logger.Warn("Failed to record build state",
				zap.String("state", string(event.State)),
				zap.Error(err),
			)
		}
	case domain.EventBuildFailed:
		r.failedIn = event.State
	}
}
