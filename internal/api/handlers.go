package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"stackyn/builder/internal/db"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
	"stackyn/builder/internal/tasks"
)

// BuildStore persists build records
type BuildStore interface {
	Create(ctx context.Context, build *domain.Build) error
	Get(ctx context.Context, id string) (*domain.Build, error)
	Fail(ctx context.Context, id string, failedIn domain.PipelineState, buildErr error) error
}

// BuildEnqueuer queues builds for the build workers
type BuildEnqueuer interface {
	EnqueueBuildTask(ctx context.Context, payload tasks.BuildTaskPayload) (*asynq.TaskInfo, error)
}

// LogReader reads persisted build logs
type LogReader interface {
	Read(user, name, buildID string) ([]byte, error)
}

// CreateBuildRequest is the body of POST /api/v1/builds
type CreateBuildRequest struct {
	Name      string `json:"name" validate:"required,max=128,imagename"`
	Tag       string `json:"tag" validate:"required,imagetag"`
	RepoURL   string `json:"repo_url" validate:"required,max=2048"`
	Branch    string `json:"branch" validate:"omitempty,max=255"`
	Buildpack string `json:"buildpack" validate:"omitempty,max=255"`
	RawMode   bool   `json:"raw_mode"`
}

// BuildResponse wraps a build record
type BuildResponse struct {
	Build *domain.Build `json:"build"`
}

// BuildHandlers serves the build endpoints
type BuildHandlers struct {
	builds   BuildStore
	enqueuer BuildEnqueuer
	logs     LogReader
	logger   *zap.Logger
}

// NewBuildHandlers creates the build endpoint handlers
func NewBuildHandlers(builds BuildStore, enqueuer BuildEnqueuer, logs LogReader, logger *zap.Logger) *BuildHandlers {
	return &BuildHandlers{
		builds:   builds,
		enqueuer: enqueuer,
		logs:     logs,
		logger:   logger,
	}
}

// CreateBuild records a queued build for the authenticated user and enqueues it
func (h *BuildHandlers) CreateBuild(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if !domain.ValidRepoComponent(user) {
		respondWithError(w, http.StatusForbidden, "User cannot own registry repositories", nil)
		return
	}

	var req CreateBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if !ValidateRequest(h.logger, w, r, &req) {
		return
	}

	build := &domain.Build{
		ID:        uuid.New().String(),
		User:      user,
		Name:      req.Name,
		Tag:       req.Tag,
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		Buildpack: req.Buildpack,
		RawMode:   req.RawMode,
	}
	logger := h.logger.With(zap.String("build_id", build.ID), zap.String("user", user))

	if err := h.builds.Create(r.Context(), build); err != nil {
		logger.Error("Failed to record build", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to create build", nil)
		return
	}

	_, err := h.enqueuer.EnqueueBuildTask(r.Context(), tasks.BuildTaskPayload{
		BuildID:   build.ID,
		User:      build.User,
		Name:      build.Name,
		Tag:       build.Tag,
		RepoURL:   build.RepoURL,
		Branch:    build.Branch,
		Buildpack: build.Buildpack,
		RawMode:   build.RawMode,
	})
	if err != nil {
		logger.Error("Failed to enqueue build", zap.Error(err))
		enqueueErr := pipelineerrors.Wrap(pipelineerrors.ErrorCodeInternal, err, "enqueue build")
		if failErr := h.builds.Fail(context.WithoutCancel(r.Context()), build.ID, domain.StateIdle, enqueueErr); failErr != nil {
			logger.Error("Failed to record enqueue failure", zap.Error(failErr))
		}
		respondWithError(w, http.StatusServiceUnavailable, "Build queue unavailable", nil)
		return
	}

	logger.Info("Build queued", zap.String("image", build.Name+":"+build.Tag))
	respondWithJSON(w, http.StatusAccepted, BuildResponse{Build: build})
}

// GetBuild returns a build record
func (h *BuildHandlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := h.ownedBuild(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, BuildResponse{Build: build})
}

// GetBuildLogs returns the persisted log of a build as plain text
func (h *BuildHandlers) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	build, ok := h.ownedBuild(w, r)
	if !ok {
		return
	}

	content, err := h.logs.Read(build.User, build.Name, build.ID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondWithError(w, http.StatusNotFound, "No logs recorded for this build yet", nil)
			return
		}
		h.logger.Error("Failed to read build log", zap.String("build_id", build.ID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to read build log", nil)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// ownedBuild loads the build named by the id URL parameter. Builds of other
// users are reported as missing.
func (h *BuildHandlers) ownedBuild(w http.ResponseWriter, r *http.Request) (*domain.Build, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondWithError(w, http.StatusNotFound, "Build not found", nil)
		return nil, false
	}

	build, err := h.builds.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrBuildNotFound) {
			respondWithError(w, http.StatusNotFound, "Build not found", nil)
			return nil, false
		}
		h.logger.Error("Failed to load build", zap.String("build_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to load build", nil)
		return nil, false
	}

	if build.User != UserFromContext(r.Context()) {
		respondWithError(w, http.StatusNotFound, "Build not found", nil)
		return nil, false
	}
	return build, true
}
