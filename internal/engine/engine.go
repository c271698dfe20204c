// Package engine talks to the container engine that builds, tags and pushes images.
package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	"stackyn/builder/internal/infra"
)

// Engine is the subset of the container engine API the pipeline uses.
// Build and push return the engine's newline-delimited JSON progress stream;
// the caller must close it.
type Engine interface {
	BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions) (io.ReadCloser, error)
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, auth domain.AuthConfig) (io.ReadCloser, error)
	Close() error
}

// BuildOptions represents options for building an image
type BuildOptions struct {
	Tag        string // Reference the built image is tagged with
	Dockerfile string // Descriptor path inside the build context
}

// DockerEngine implements Engine against a Docker daemon
type DockerEngine struct {
	client *client.Client
	logger *zap.Logger
}

// NewDockerEngine creates a new Docker engine client
func NewDockerEngine(cfg infra.DockerConfig, logger *zap.Logger) (*DockerEngine, error) {
	opts := []client.Opt{
		client.WithHost(cfg.Host),
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	if cfg.TLSEnabled {
		opts = append(opts, client.WithTLSClientConfig(cfg.CAPath, cfg.CertPath, cfg.KeyPath))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerEngine{
		client: cli,
		logger: logger,
	}, nil
}

// Close closes the Docker client
func (e *DockerEngine) Close() error {
	return e.client.Close()
}

// BuildImage starts an image build with the classic builder, whose
// progress stream carries the plain build log lines the pipeline classifies.
func (e *DockerEngine) BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions) (io.ReadCloser, error) {
	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	e.logger.Info("Building Docker image",
		zap.String("image_tag", opts.Tag),
		zap.String("dockerfile", dockerfile),
	)

	resp, err := e.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Dockerfile:  dockerfile,
		Tags:        []string{opts.Tag},
		Remove:      true, // Remove intermediate containers
		ForceRemove: true,
		PullParent:  false,
		Version:     build.BuilderV1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start image build: %w", err)
	}
	return resp.Body, nil
}

// TagImage adds target as a reference to the image source
func (e *DockerEngine) TagImage(ctx context.Context, source, target string) error {
	e.logger.Info("Tagging Docker image",
		zap.String("source", source),
		zap.String("target", target),
	)

	if err := e.client.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag image: %w", err)
	}
	return nil
}

// PushImage starts pushing ref to its registry
func (e *DockerEngine) PushImage(ctx context.Context, ref string, auth domain.AuthConfig) (io.ReadCloser, error) {
	registryAuth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
		IdentityToken: auth.IdentityToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	e.logger.Info("Pushing Docker image",
		zap.String("image_ref", ref),
		zap.String("registry", auth.ServerAddress),
	)

	body, err := e.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: registryAuth})
	if err != nil {
		return nil, fmt.Errorf("failed to start image push: %w", err)
	}
	return body, nil
}

// PruneDanglingImages removes untagged images, such as those left behind by
// rebuilt tags, and returns how many were deleted and the space reclaimed.
func (e *DockerEngine) PruneDanglingImages(ctx context.Context) (int, uint64, error) {
	report, err := e.client.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prune images: %w", err)
	}

	e.logger.Info("Pruned dangling images",
		zap.Int("images_deleted", len(report.ImagesDeleted)),
		zap.Uint64("space_freed_bytes", report.SpaceReclaimed),
	)
	return len(report.ImagesDeleted), report.SpaceReclaimed, nil
}
