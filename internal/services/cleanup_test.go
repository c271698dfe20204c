package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePruner struct {
	removed int
	freed   uint64
	err     error
	calls   int
}

func (f *fakePruner) PruneDanglingImages(ctx context.Context) (int, uint64, error) {
	f.calls++
	return f.removed, f.freed, f.err
}

func touch(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestJanitorRunCleanup(t *testing.T) {
	root := t.TempDir()
	cfg := JanitorConfig{
		ArchiveDir: filepath.Join(root, "archives"),
		LogDir:     filepath.Join(root, "logs"),
		WorkDir:    filepath.Join(root, "work"),
		Retention:  14 * 24 * time.Hour,
	}
	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	touch(t, filepath.Join(cfg.ArchiveDir, "alice", "app.v1.tar"), old)
	touch(t, filepath.Join(cfg.ArchiveDir, "alice", "app.v2.tar"), recent)
	touch(t, filepath.Join(cfg.LogDir, "alice", "app", "b1.log"), old)
	touch(t, filepath.Join(cfg.LogDir, "alice", "app", "b2.log"), old)
	touch(t, filepath.Join(cfg.WorkDir, "b1", "Procfile"), old)
	require.NoError(t, os.Chtimes(filepath.Join(cfg.WorkDir, "b1"), old, old))
	touch(t, filepath.Join(cfg.WorkDir, "b3", "Procfile"), recent)

	pruner := &fakePruner{removed: 2, freed: 4096}
	j := NewJanitor(cfg, pruner, zap.NewNop())
	j.now = func() time.Time { return now }

	result, err := j.RunCleanup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ArchivesRemoved)
	assert.Equal(t, 2, result.LogsRemoved)
	assert.Equal(t, 1, result.SourcesRemoved)
	assert.Equal(t, 2, result.ImagesRemoved)
	assert.Equal(t, uint64(4096), result.SpaceFreedBytes)
	assert.Empty(t, result.Errors)

	assert.FileExists(t, filepath.Join(cfg.ArchiveDir, "alice", "app.v2.tar"))
	assert.NoFileExists(t, filepath.Join(cfg.ArchiveDir, "alice", "app.v1.tar"))
	assert.NoDirExists(t, filepath.Join(cfg.WorkDir, "b1"))
	assert.DirExists(t, filepath.Join(cfg.WorkDir, "b3"))
}

func TestJanitorMissingDirectories(t *testing.T) {
	root := t.TempDir()
	j := NewJanitor(JanitorConfig{
		ArchiveDir: filepath.Join(root, "none"),
		LogDir:     filepath.Join(root, "none"),
		WorkDir:    filepath.Join(root, "none"),
		Retention:  time.Hour,
	}, nil, zap.NewNop())

	result, err := j.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.ArchivesRemoved)
	assert.Empty(t, result.Errors)
}

func TestJanitorPrunerFailureIsRecorded(t *testing.T) {
	pruner := &fakePruner{err: errors.New("daemon unavailable")}
	j := NewJanitor(JanitorConfig{Retention: time.Hour}, pruner, zap.NewNop())

	result, err := j.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruner.calls)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "daemon unavailable")
}
