package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

// ErrBuildNotFound is returned when no build record has the requested id
var ErrBuildNotFound = errors.New("build not found")

// Querier is the subset of pgxpool.Pool used by the repositories
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BuildRepo stores build records
type BuildRepo struct {
	db     Querier
	logger *zap.Logger
}

// NewBuildRepo creates a new build repository
func NewBuildRepo(db Querier, logger *zap.Logger) *BuildRepo {
	return &BuildRepo{
		db:     db,
		logger: logger,
	}
}

const selectBuild = `SELECT id, user_name, name, tag, repo_url, branch, buildpack, raw_mode,
	status, state, image_reference, commit_id, digest, image_size_bytes, process_commands,
	error_code, error_message, created_at, updated_at, finished_at
	FROM builds WHERE id = $1`

// Create inserts a queued build
func (r *BuildRepo) Create(ctx context.Context, build *domain.Build) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO builds (id, user_name, name, tag, repo_url, branch, buildpack, raw_mode, status, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		build.ID, build.User, build.Name, build.Tag, build.RepoURL, build.Branch, build.Buildpack, build.RawMode,
		string(domain.BuildStatusQueued), string(domain.StateIdle),
	)
	if err != nil {
		r.logger.Error("Failed to create build", zap.Error(err), zap.String("build_id", build.ID))
		return fmt.Errorf("failed to create build: %w", err)
	}
	build.Status = domain.BuildStatusQueued
	build.State = domain.StateIdle
	return nil
}

// UpdateState records the pipeline state a running build has entered
func (r *BuildRepo) UpdateState(ctx context.Context, id string, state domain.PipelineState) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE builds SET status = $2, state = $3, updated_at = NOW() WHERE id = $1",
		id, string(domain.BuildStatusRunning), string(state),
	)
	return r.checkUpdate(tag, err, id, "update build state")
}

// Complete records the outcome of a successful build
func (r *BuildRepo) Complete(ctx context.Context, id string, outcome *domain.BuildOutcome) error {
	commands, err := json.Marshal(outcome.ProcessCommands)
	if err != nil {
		return fmt.Errorf("failed to marshal process commands: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE builds SET status = $2, state = $3, image_reference = $4, commit_id = $5, digest = $6,
		image_size_bytes = $7, process_commands = $8, updated_at = NOW(), finished_at = NOW()
		WHERE id = $1`,
		id, string(domain.BuildStatusSucceeded), string(domain.StateSucceeded),
		outcome.ImageReference, outcome.CommitID, outcome.Digest, outcome.ImageSizeBytes, commands,
	)
	return r.checkUpdate(tag, err, id, "complete build")
}

// Fail records a failed build. failedIn is the pipeline state the failure happened in.
func (r *BuildRepo) Fail(ctx context.Context, id string, failedIn domain.PipelineState, buildErr error) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE builds SET status = $2, state = $3, error_code = $4, error_message = $5,
		updated_at = NOW(), finished_at = NOW()
		WHERE id = $1`,
		id, string(domain.BuildStatusFailed), string(failedIn),
		string(pipelineerrors.CodeOf(buildErr)), buildErr.Error(),
	)
	return r.checkUpdate(tag, err, id, "fail build")
}

// Get returns the build with the given id, or ErrBuildNotFound
func (r *BuildRepo) Get(ctx context.Context, id string) (*domain.Build, error) {
	var (
		build      domain.Build
		status     string
		state      string
		commands   []byte
		finishedAt *time.Time
	)
	err := r.db.QueryRow(ctx, selectBuild, id).Scan(
		&build.ID, &build.User, &build.Name, &build.Tag, &build.RepoURL, &build.Branch, &build.Buildpack, &build.RawMode,
		&status, &state, &build.ImageReference, &build.CommitID, &build.Digest, &build.ImageSizeBytes, &commands,
		&build.ErrorCode, &build.Error, &build.CreatedAt, &build.UpdatedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBuildNotFound
		}
		r.logger.Error("Failed to get build", zap.Error(err), zap.String("build_id", id))
		return nil, fmt.Errorf("failed to get build: %w", err)
	}

	build.Status = domain.BuildStatus(status)
	build.State = domain.PipelineState(state)
	build.FinishedAt = finishedAt
	if len(commands) > 0 {
		if err := json.Unmarshal(commands, &build.ProcessCommands); err != nil {
			return nil, fmt.Errorf("failed to decode process commands: %w", err)
		}
	}
	return &build, nil
}

func (r *BuildRepo) checkUpdate(tag pgconn.CommandTag, err error, id, action string) error {
	if err != nil {
		r.logger.Error("Failed to "+action, zap.Error(err), zap.String("build_id", id))
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBuildNotFound
	}
	return nil
}
