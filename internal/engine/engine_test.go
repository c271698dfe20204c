package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"stackyn/builder/internal/infra"
)

func TestNewDockerEngine(t *testing.T) {
	t.Run("unix socket", func(t *testing.T) {
		e, err := NewDockerEngine(infra.DockerConfig{Host: "unix:///var/run/docker.sock"}, zap.NewNop())
		require.NoError(t, err)
		assert.NoError(t, e.Close())
	})

	t.Run("pinned api version", func(t *testing.T) {
		e, err := NewDockerEngine(infra.DockerConfig{Host: "tcp://127.0.0.1:2375", APIVersion: "1.45"}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "1.45", e.client.ClientVersion())
		assert.NoError(t, e.Close())
	})

	t.Run("invalid host", func(t *testing.T) {
		_, err := NewDockerEngine(infra.DockerConfig{Host: "not a host"}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("missing tls material", func(t *testing.T) {
		dir := t.TempDir()
		_, err := NewDockerEngine(infra.DockerConfig{
			Host:       "tcp://127.0.0.1:2376",
			TLSEnabled: true,
			CAPath:     filepath.Join(dir, "ca.pem"),
			CertPath:   filepath.Join(dir, "cert.pem"),
			KeyPath:    filepath.Join(dir, "key.pem"),
		}, zap.NewNop())
		assert.Error(t, err)
	})
}
