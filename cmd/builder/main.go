package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"stackyn/builder/internal/buildctx"
	"stackyn/builder/internal/classify"
	"stackyn/builder/internal/descriptor"
	"stackyn/builder/internal/domain"
	"stackyn/builder/internal/engine"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/objectstore"
	"stackyn/builder/internal/pipeline"
	"stackyn/builder/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "builder",
		Short:         "Build buildpack images from source folders and push them to a registry",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		newBuildCommand(),
		newTokenCommand(),
	)
	return root
}

type buildFlags struct {
	source       string
	registry     string
	user         string
	name         string
	tag          string
	buildpack    string
	archiveDir   string
	tagMode      string
	commitPolicy string
	raw          bool
}

func newBuildCommand() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run one build in-process and print its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := infra.LoadConfig()
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(config.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runBuild(cmd.Context(), cmd.OutOrStdout(), config, flags, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.source, "source", ".", "source folder to build")
	f.StringVar(&flags.registry, "registry", "", "registry host (defaults to REGISTRY_ADDRESS)")
	f.StringVar(&flags.user, "user", "", "repository owner")
	f.StringVar(&flags.name, "name", "", "application name")
	f.StringVar(&flags.tag, "tag", "latest", "image tag")
	f.StringVar(&flags.buildpack, "buildpack", "", "buildpack image (defaults to BUILD_DEFAULT_BUILDPACK)")
	f.StringVar(&flags.archiveDir, "archive-dir", "", "directory keeping a copy of the build context")
	f.StringVar(&flags.tagMode, "tag-mode", "", "none or commit (defaults to BUILD_TAG_MODE)")
	f.StringVar(&flags.commitPolicy, "commit-policy", "", "fail, first or last (defaults to BUILD_COMMIT_POLICY)")
	f.BoolVar(&flags.raw, "raw", false, "source folder carries its own Dockerfile; no process types required")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// buildRequest combines the command flags with the configuration
func buildRequest(config *infra.Config, flags buildFlags) (domain.BuildRequest, error) {
	source, err := filepath.Abs(flags.source)
	if err != nil {
		return domain.BuildRequest{}, fmt.Errorf("resolve source folder: %w", err)
	}

	registry := flags.registry
	if registry == "" {
		registry = config.Registry.Address
	}
	if registry == "" {
		return domain.BuildRequest{}, errors.New("no registry: pass --registry or set REGISTRY_ADDRESS")
	}
	switch {
	case !domain.ValidRepoComponent(flags.user):
		return domain.BuildRequest{}, fmt.Errorf("invalid --user %q", flags.user)
	case !domain.ValidRepoComponent(flags.name):
		return domain.BuildRequest{}, fmt.Errorf("invalid --name %q", flags.name)
	case !domain.ValidTag(flags.tag):
		return domain.BuildRequest{}, fmt.Errorf("invalid --tag %q", flags.tag)
	}
	archiveDir := flags.archiveDir
	if archiveDir == "" {
		archiveDir = config.Build.ArchiveDir
	}

	req := domain.BuildRequest{
		Registry:        registry,
		User:            flags.user,
		Name:            flags.name,
		Tag:             flags.tag,
		SourceFolder:    source,
		Buildpack:       flags.buildpack,
		RawMode:         flags.raw,
		ArchiveStoreDir: archiveDir,
		Auth: domain.AuthConfig{
			Username:      config.Registry.Username,
			Password:      config.Registry.Password,
			ServerAddress: registry,
		},
	}
	if store := config.ObjectStore; store.Enabled {
		req.ObjectStore = &domain.ObjectStoreConfig{
			Endpoint:  store.Endpoint,
			AccessKey: store.AccessKey,
			SecretKey: store.SecretKey,
			Bucket:    store.Bucket,
			Region:    store.Region,
			UseSSL:    store.UseSSL,
		}
	}
	return req, nil
}

func pipelineOptions(config *infra.Config, flags buildFlags) (pipeline.Options, error) {
	opts := pipeline.Options{
		TagMode:      config.Build.TagMode,
		CommitPolicy: classify.CommitPolicy(config.Build.CommitPolicy),
	}
	if flags.tagMode != "" {
		switch flags.tagMode {
		case infra.TagModeNone, infra.TagModeCommit:
			opts.TagMode = flags.tagMode
		default:
			return opts, fmt.Errorf("unknown tag mode %q", flags.tagMode)
		}
	}
	if flags.commitPolicy != "" {
		switch policy := classify.CommitPolicy(flags.commitPolicy); policy {
		case classify.CommitPolicyFail, classify.CommitPolicyFirst, classify.CommitPolicyLast:
			opts.CommitPolicy = policy
		default:
			return opts, fmt.Errorf("unknown commit policy %q", flags.commitPolicy)
		}
	}
	return opts, nil
}

func runBuild(ctx context.Context, out io.Writer, config *infra.Config, flags buildFlags, logger *zap.Logger) error {
	req, err := buildRequest(config, flags)
	if err != nil {
		return err
	}
	opts, err := pipelineOptions(config, flags)
	if err != nil {
		return err
	}

	eng, err := engine.NewDockerEngine(config.Docker, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	assembler := buildctx.NewAssembler(objectstore.NewMinioUploader(logger), logger)
	defer assembler.Wait()

	p := pipeline.New(eng, assembler, descriptor.NewSynthesizer(config.Build.DefaultBuildpack, logger), opts, logger)
	return printEvents(out, p.Run(ctx, req))
}

// printEvents writes every event to out as a log line and returns the
// build error, if the run failed. The channel is always drained.
func printEvents(out io.Writer, events <-chan domain.Event) error {
	var buildErr error
	for event := range events {
		fmt.Fprint(out, services.FormatLogLine(event))

		switch event.Kind {
		case domain.EventBuildSucceeded:
			encoded, err := json.MarshalIndent(event.Outcome, "", "  ")
			if err != nil {
				buildErr = fmt.Errorf("failed to encode build outcome: %w", err)
				continue
			}
			fmt.Fprintln(out, string(encoded))
		case domain.EventBuildFailed:
			buildErr = event.Err
			if buildErr == nil {
				buildErr = errors.New(event.Error)
			}
		}
	}
	return buildErr
}

func newTokenCommand() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a repository owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := infra.LoadConfig()
			if err != nil {
				return err
			}
			if config.JWT.Secret == "" {
				return errors.New("JWT_SECRET is not set")
			}

			token, err := services.NewJWTService(config.JWT.Secret, zap.NewNop()).GenerateToken(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "repository owner the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
