package services

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// GitService checks out build sources under workDir, one directory per build
type GitService struct {
	logger  *zap.Logger
	workDir string
}

func NewGitService(logger *zap.Logger, workDir string) *GitService {
	return &GitService{
		logger:  logger,
		workDir: workDir,
	}
}

// CloneOptions selects what to check out
type CloneOptions struct {
	RepoURL  string
	Branch   string    // Empty checks out the remote HEAD
	Depth    int       // Zero clones the full history
	Progress io.Writer // Receives the remote's sideband output
}

// CloneResult describes a checked out build source
type CloneResult struct {
	Path      string
	CommitSHA string
	Branch    string
}

// SourcePath returns the directory the sources of buildID are checked out into
func (s *GitService) SourcePath(buildID string) string {
	return filepath.Join(s.workDir, buildID)
}

// Clone checks out opts.RepoURL into the source directory of buildID,
// replacing whatever a previous attempt left there
func (s *GitService) Clone(ctx context.Context, buildID string, opts CloneOptions) (*CloneResult, error) {
	repoURL := normalizeRepoURL(opts.RepoURL)
	dest := s.SourcePath(buildID)
	logger := s.logger.With(zap.String("build_id", buildID), zap.String("repo_url", RedactURL(repoURL)))

	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("failed to clear source directory: %w", err)
	}
	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	cloneOpts := &git.CloneOptions{
		URL:          repoURL,
		Depth:        opts.Depth,
		Progress:     opts.Progress,
		Tags:         git.NoTags,
		SingleBranch: opts.Branch != "",
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}

	logger.Info("Cloning build sources", zap.String("branch", opts.Branch), zap.Int("depth", opts.Depth))

	repo, err := git.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to clone %s: %w", RedactURL(repoURL), err)
	}

	head, err := repo.Head()
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	result := &CloneResult{
		Path:      dest,
		CommitSHA: head.Hash().String(),
		Branch:    head.Name().Short(),
	}
	logger.Info("Build sources checked out", zap.String("commit_sha", result.CommitSHA), zap.String("branch", result.Branch))
	return result, nil
}

// Cleanup removes the source directory of buildID
func (s *GitService) Cleanup(buildID string) error {
	if err := os.RemoveAll(s.SourcePath(buildID)); err != nil {
		return fmt.Errorf("failed to remove source directory: %w", err)
	}
	return nil
}

// RedactURL masks the password of a repository URL carrying credentials
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// normalizeRepoURL turns GitHub SSH and scheme-less addresses into HTTPS URLs
func normalizeRepoURL(repoURL string) string {
	switch {
	case strings.HasPrefix(repoURL, "git@github.com:"):
		return "https://github.com/" + strings.TrimPrefix(repoURL, "git@github.com:")
	case strings.HasPrefix(repoURL, "github.com/"):
		return "https://" + repoURL
	}
	return repoURL
}
