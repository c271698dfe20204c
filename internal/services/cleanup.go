package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ImagePruner removes images no longer referenced by any tag
type ImagePruner interface {
	PruneDanglingImages(ctx context.Context) (int, uint64, error)
}

// JanitorConfig lists what the janitor prunes
type JanitorConfig struct {
	ArchiveDir string
	LogDir     string
	WorkDir    string
	Retention  time.Duration
}

// Janitor removes build artifacts older than the retention period
type Janitor struct {
	cfg    JanitorConfig
	pruner ImagePruner // Optional
	logger *zap.Logger
	now    func() time.Time
}

// NewJanitor creates a new janitor. pruner may be nil.
func NewJanitor(cfg JanitorConfig, pruner ImagePruner, logger *zap.Logger) *Janitor {
	return &Janitor{
		cfg:    cfg,
		pruner: pruner,
		logger: logger,
		now:    time.Now,
	}
}

// CleanupResult represents the result of a cleanup operation
type CleanupResult struct {
	ArchivesRemoved int
	LogsRemoved     int
	SourcesRemoved  int
	ImagesRemoved   int
	SpaceFreedBytes uint64
	Errors          []string
}

// RunCleanup performs all cleanup operations. Failures of one step are
// recorded in the result and do not stop the others.
func (j *Janitor) RunCleanup(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{
		Errors: []string{},
	}
	cutoff := j.now().Add(-j.cfg.Retention)

	j.logger.Info("Starting cleanup operation", zap.Time("cutoff", cutoff))

	// Step 1: Persisted build contexts
	if n, err := j.pruneFiles(ctx, j.cfg.ArchiveDir, cutoff); err != nil {
		j.logger.Warn("Failed to prune archives", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("archives: %v", err))
	} else {
		result.ArchivesRemoved = n
	}

	// Step 2: Build logs
	if n, err := j.pruneFiles(ctx, j.cfg.LogDir, cutoff); err != nil {
		j.logger.Warn("Failed to prune build logs", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("logs: %v", err))
	} else {
		result.LogsRemoved = n
	}

	// Step 3: Source checkouts left behind by interrupted builds
	if n, err := j.pruneEntries(ctx, j.cfg.WorkDir, cutoff); err != nil {
		j.logger.Warn("Failed to prune work directory", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("sources: %v", err))
	} else {
		result.SourcesRemoved = n
	}

	// Step 4: Dangling images
	if j.pruner != nil {
		n, freed, err := j.pruner.PruneDanglingImages(ctx)
		if err != nil {
			j.logger.Warn("Failed to prune dangling images", zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("images: %v", err))
		} else {
			result.ImagesRemoved = n
			result.SpaceFreedBytes = freed
		}
	}

	j.logger.Info("Cleanup operation completed",
		zap.Int("archives_removed", result.ArchivesRemoved),
		zap.Int("logs_removed", result.LogsRemoved),
		zap.Int("sources_removed", result.SourcesRemoved),
		zap.Int("images_removed", result.ImagesRemoved),
		zap.Uint64("space_freed_bytes", result.SpaceFreedBytes),
		zap.Int("errors", len(result.Errors)),
	)

	return result, ctx.Err()
}

// pruneFiles removes regular files older than cutoff anywhere below dirPath
func (j *Janitor) pruneFiles(ctx context.Context, dirPath string, cutoff time.Time) (int, error) {
	if dirPath == "" {
		return 0, nil
	}
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return 0, nil // Directory doesn't exist
	}

	pruned := 0
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				j.logger.Warn("Failed to remove old file",
					zap.String("path", path),
					zap.Error(err),
				)
				return nil // Continue with other files
			}
			pruned++
			j.logger.Debug("Removed old file", zap.String("path", path))
		}
		return nil
	})

	return pruned, err
}

// pruneEntries removes the direct children of dirPath last modified before cutoff
func (j *Janitor) pruneEntries(ctx context.Context, dirPath string, cutoff time.Time) (int, error) {
	if dirPath == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dirPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dirPath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("Failed to remove old source directory",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		pruned++
	}
	return pruned, nil
}
