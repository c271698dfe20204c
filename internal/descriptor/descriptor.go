package descriptor

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

// FileName is the name of the synthesized build descriptor inside the source folder
const FileName = "Dockerfile"

// Synthesizer writes the fixed herokuish Dockerfile into a source folder
type Synthesizer struct {
	logger           *zap.Logger
	defaultBuildpack string
}

// NewSynthesizer creates a new descriptor synthesizer
func NewSynthesizer(defaultBuildpack string, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{
		logger:           logger,
		defaultBuildpack: defaultBuildpack,
	}
}

// Render returns the descriptor content for buildpack
func Render(buildpack string) string {
	return fmt.Sprintf(`FROM %s
ADD . /app
ENV PORT 8080
WORKDIR /app
expose 8080
RUN herokuish buildpack build
`, buildpack)
}

// Buildpack returns the buildpack image req resolves to
func (s *Synthesizer) Buildpack(req domain.BuildRequest) string {
	if req.Buildpack != "" {
		return req.Buildpack
	}
	return s.defaultBuildpack
}

// Write writes the descriptor into req.SourceFolder and returns its path.
// In raw mode nothing is written and the returned path is empty.
func (s *Synthesizer) Write(req domain.BuildRequest) (string, error) {
	if req.RawMode {
		s.logger.Info("Raw mode, using descriptor from source tree",
			zap.String("source_folder", req.SourceFolder),
		)
		return "", nil
	}

	buildpack := s.Buildpack(req)
	dockerfilePath := filepath.Join(req.SourceFolder, FileName)

	if err := os.WriteFile(dockerfilePath, []byte(Render(buildpack)), 0644); err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.ErrorCodeDescriptor, err, dockerfilePath)
	}

	s.logger.Info("Generated build descriptor",
		zap.String("path", dockerfilePath),
		zap.String("buildpack", buildpack),
	)

	return dockerfilePath, nil
}
