package buildctx

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

type upload struct {
	cfg  domain.ObjectStoreConfig
	key  string
	size int
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
	release chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, cfg domain.ObjectStoreConfig, key string, data []byte) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload{cfg: cfg, key: key, size: len(data)})
	return f.err
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return root
}

func readTar(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	entries := map[string]string{}
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return entries
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = string(content)
	}
}

func names(entries map[string]string) []string {
	out := make([]string, 0, len(entries))
	for name := range entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func request(source string) domain.BuildRequest {
	return domain.BuildRequest{
		Registry:     "localhost:5000",
		User:         "alice",
		Name:         "app",
		Tag:          "v1",
		SourceFolder: source,
	}
}

func TestAssemble(t *testing.T) {
	source := writeTree(t, map[string]string{
		"Procfile":         "web: python app.py\n",
		"app.py":           "print('hi')\n",
		".env.example":     "PORT=8080\n",
		"lib/util.py":      "x = 1\n",
		".git/HEAD":        "ref: refs/heads/main\n",
		".hg/store":        "x",
		"vendor/.svn/base": "x",
	})

	a := NewAssembler(nil, zap.NewNop())
	archive, err := a.Assemble(context.Background(), request(source))
	require.NoError(t, err)
	assert.Empty(t, archive.Path)
	assert.Positive(t, archive.Size())

	entries := readTar(t, archive.Reader())
	assert.Equal(t, []string{".env.example", "Procfile", "app.py", "lib/", "lib/util.py", "vendor/"}, names(entries))
	assert.Equal(t, "web: python app.py\n", entries["Procfile"])

	// Every call to Reader starts from the beginning
	assert.Equal(t, entries, readTar(t, archive.Reader()))
}

func TestAssembleSymlink(t *testing.T) {
	source := writeTree(t, map[string]string{"app.py": "x"})
	require.NoError(t, os.Symlink("app.py", filepath.Join(source, "main.py")))

	a := NewAssembler(nil, zap.NewNop())
	archive, err := a.Assemble(context.Background(), request(source))
	require.NoError(t, err)

	tr := tar.NewReader(archive.Reader())
	found := false
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if header.Name == "main.py" {
			found = true
			assert.Equal(t, byte(tar.TypeSymlink), header.Typeflag)
			assert.Equal(t, "app.py", header.Linkname)
		}
	}
	assert.True(t, found)
}

func TestAssembleMissingSource(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	_, err := a.Assemble(context.Background(), request(filepath.Join(t.TempDir(), "missing")))
	require.Error(t, err)
	assert.True(t, pipelineerrors.HasCode(err, pipelineerrors.ErrorCodeContext))
}

func TestAssemblePersist(t *testing.T) {
	source := writeTree(t, map[string]string{"Procfile": "web: x\n"})
	req := request(source)
	req.ArchiveStoreDir = filepath.Join(t.TempDir(), "archives")

	a := NewAssembler(nil, zap.NewNop())

	// A second run finds the directory already present
	for i := 0; i < 2; i++ {
		archive, err := a.Assemble(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(req.ArchiveStoreDir, "alice", "app.v1.tar"), archive.Path)

		f, err := os.Open(archive.Path)
		require.NoError(t, err)
		assert.Equal(t, []string{"Procfile"}, names(readTar(t, f)))
		require.NoError(t, f.Close())
	}
}

func TestAssemblePersistFailureIsNotFatal(t *testing.T) {
	source := writeTree(t, map[string]string{"Procfile": "web: x\n"})
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	req := request(source)
	req.ArchiveStoreDir = blocker

	a := NewAssembler(nil, zap.NewNop())
	archive, err := a.Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, archive.Path)
}

func TestAssembleUpload(t *testing.T) {
	source := writeTree(t, map[string]string{"Procfile": "web: x\n"})
	req := request(source)
	req.ObjectStore = &domain.ObjectStoreConfig{Endpoint: "minio:9000", Bucket: "contexts"}

	t.Run("uploads under user and name", func(t *testing.T) {
		uploader := &fakeUploader{}
		a := NewAssembler(uploader, zap.NewNop())
		archive, err := a.Assemble(context.Background(), req)
		require.NoError(t, err)
		a.Wait()

		require.Len(t, uploader.uploads, 1)
		assert.Equal(t, "alice/app/app.v1.tar", uploader.uploads[0].key)
		assert.Equal(t, "contexts", uploader.uploads[0].cfg.Bucket)
		assert.Equal(t, archive.Size(), uploader.uploads[0].size)
	})

	t.Run("does not wait for the upload", func(t *testing.T) {
		uploader := &fakeUploader{release: make(chan struct{})}
		a := NewAssembler(uploader, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		_, err := a.Assemble(ctx, req)
		require.NoError(t, err)

		// Cancelling the run does not cancel the upload
		cancel()
		close(uploader.release)
		a.Wait()
		assert.Len(t, uploader.uploads, 1)
	})

	t.Run("upload failure is not fatal", func(t *testing.T) {
		uploader := &fakeUploader{err: errors.New("bucket unavailable")}
		a := NewAssembler(uploader, zap.NewNop())
		_, err := a.Assemble(context.Background(), req)
		require.NoError(t, err)
		a.Wait()
		assert.Len(t, uploader.uploads, 1)
	})
}

func TestObjectKeyAndArchivePath(t *testing.T) {
	req := request("/src")
	req.ArchiveStoreDir = "/var/lib/builder/archives"

	assert.Equal(t, "alice/app/app.v1.tar", ObjectKey(req))
	assert.Equal(t, filepath.Join("/var/lib/builder/archives", "alice", "app.v1.tar"), ArchivePath(req))
}
