// Package buildctx packages a source folder into the build context archive
// submitted to the engine, and keeps optional copies of it.
package buildctx

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

// DefaultUploadTimeout bounds one detached object-store upload
const DefaultUploadTimeout = 10 * time.Minute

// vcsDirs are never part of a build context
var vcsDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// Uploader stores a build context archive in an object store
type Uploader interface {
	Upload(ctx context.Context, cfg domain.ObjectStoreConfig, key string, data []byte) error
}

// Archive is an assembled build context
type Archive struct {
	data []byte

	// Path of the persisted copy, empty when none was written
	Path string
}

// Reader returns a fresh reader over the archive
func (a *Archive) Reader() io.Reader {
	return bytes.NewReader(a.data)
}

// Size returns the archive size in bytes
func (a *Archive) Size() int {
	return len(a.data)
}

// Assembler builds context archives
type Assembler struct {
	uploader      Uploader
	uploadTimeout time.Duration
	logger        *zap.Logger

	uploads sync.WaitGroup
}

// NewAssembler creates a new assembler. uploader may be nil when no
// request will carry an object store.
func NewAssembler(uploader Uploader, logger *zap.Logger) *Assembler {
	return &Assembler{
		uploader:      uploader,
		uploadTimeout: DefaultUploadTimeout,
		logger:        logger,
	}
}

// Assemble archives req.SourceFolder. The persisted copy and the object store
// upload are side effects whose failures are logged and never returned.
func (a *Assembler) Assemble(ctx context.Context, req domain.BuildRequest) (*Archive, error) {
	logger := domain.LoggerFromContext(ctx, a.logger)

	data, err := createTarArchive(ctx, req.SourceFolder)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeContext, err, req.SourceFolder)
	}

	archive := &Archive{data: data}
	logger.Info("Assembled build context",
		zap.String("source_folder", req.SourceFolder),
		zap.Int("size_bytes", len(data)),
	)

	if req.ArchiveStoreDir != "" {
		archivePath, err := persist(req, data)
		if err != nil {
			logger.Warn("Failed to persist build context", zap.Error(err))
		} else {
			archive.Path = archivePath
			logger.Info("Persisted build context", zap.String("path", archivePath))
		}
	}

	if req.ObjectStore != nil {
		a.uploadDetached(ctx, logger, *req.ObjectStore, ObjectKey(req), data)
	}

	return archive, nil
}

// Wait blocks until every detached upload started so far has finished
func (a *Assembler) Wait() {
	a.uploads.Wait()
}

// ArchivePath returns where the copy of req's build context is persisted
func ArchivePath(req domain.BuildRequest) string {
	return filepath.Join(req.ArchiveStoreDir, req.User, req.ArchiveFileName())
}

// ObjectKey returns the object store key of req's build context
func ObjectKey(req domain.BuildRequest) string {
	return path.Join(req.User, req.Name, req.ArchiveFileName())
}

func (a *Assembler) uploadDetached(ctx context.Context, logger *zap.Logger, cfg domain.ObjectStoreConfig, key string, data []byte) {
	if a.uploader == nil {
		logger.Warn("Object store requested but no uploader is configured", zap.String("key", key))
		return
	}

	// The upload outlives the pipeline run that started it
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.uploadTimeout)

	a.uploads.Add(1)
	go func() {
		defer a.uploads.Done()
		defer cancel()

		if err := a.uploader.Upload(uploadCtx, cfg, key, data); err != nil {
			logger.Warn("Build context upload failed",
				zap.String("bucket", cfg.Bucket),
				zap.String("key", key),
				zap.Error(err),
			)
			return
		}
		logger.Info("Uploaded build context",
			zap.String("bucket", cfg.Bucket),
			zap.String("key", key),
		)
	}()
}

// persist writes data to ArchivePath(req), creating parent directories as needed
func persist(req domain.BuildRequest, data []byte) (string, error) {
	archivePath := ArchivePath(req)
	// MkdirAll succeeds when a concurrent caller created the directory first
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(archivePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return archivePath, nil
}

// createTarArchive creates a tar archive of the build context
func createTarArchive(ctx context.Context, contextPath string) ([]byte, error) {
	info, err := os.Stat(contextPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", contextPath)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err = filepath.WalkDir(contextPath, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if file == contextPath {
			return nil
		}

		if d.IsDir() && vcsDirs[d.Name()] {
			return filepath.SkipDir
		}

		relPath, err := filepath.Rel(contextPath, file)
		if err != nil {
			return err
		}
		return addEntry(tw, file, filepath.ToSlash(relPath), d)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tar archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}

	return buf.Bytes(), nil
}

func addEntry(tw *tar.Writer, file, name string, d fs.DirEntry) error {
	fi, err := d.Info()
	if err != nil {
		return err
	}
	if fi.Mode()&(os.ModeSocket|os.ModeNamedPipe|os.ModeDevice) != 0 {
		return nil
	}

	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(file); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return err
	}
	header.Name = name
	if fi.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return err
	}
	defer data.Close()

	_, err = io.Copy(tw, data)
	return err
}
