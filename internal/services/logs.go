package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
)

// BuildLogStore persists build logs on the filesystem under
// <dir>/<user>/<name>/<build_id>.log
type BuildLogStore struct {
	logger *zap.Logger
	dir    string
}

// NewBuildLogStore creates a new build log store
func NewBuildLogStore(dir string, logger *zap.Logger) *BuildLogStore {
	logger.Info("Initializing BuildLogStore", zap.String("log_dir", dir))
	return &BuildLogStore{
		logger: logger,
		dir:    dir,
	}
}

// Path returns the log file of a build
func (s *BuildLogStore) Path(user, name, buildID string) string {
	return filepath.Join(s.dir, user, name, buildID+".log")
}

// Open creates the log file of a build, truncating any previous content.
// The returned BuildLog observes a pipeline run; Close it when the run ends.
func (s *BuildLogStore) Open(user, name, buildID string) (*BuildLog, error) {
	logPath := s.Path(user, name, buildID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &BuildLog{
		file:   file,
		logger: s.logger.With(zap.String("log_path", logPath)),
	}, nil
}

// Read returns the persisted log of a build
func (s *BuildLogStore) Read(user, name, buildID string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(user, name, buildID))
	if err != nil {
		return nil, fmt.Errorf("failed to read build log: %w", err)
	}
	return data, nil
}

// BuildLog writes the events of one run as plain text
type BuildLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
	failed bool
}

// OnEvent appends the textual form of event, if it has one
func (l *BuildLog) OnEvent(event domain.Event) {
	line := FormatLogLine(event)
	if line == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.failed {
		return
	}
	if _, err := l.file.WriteString(line); err != nil {
		// Stop writing; the run itself is unaffected
		l.failed = true
		l.logger.Warn("Failed to write build log", zap.Error(err))
	}
}

// Close closes the log file
func (l *BuildLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// FormatLogLine renders event as a build log line. Events without a textual
// form render as the empty string.
func FormatLogLine(event domain.Event) string {
	switch event.Kind {
	case domain.EventRawStreamLine:
		if strings.HasSuffix(event.Line, "\n") {
			return event.Line
		}
		return event.Line + "\n"
	case domain.EventPushStatus:
		if event.LayerID != "" {
			return fmt.Sprintf("%s: %s\n", event.LayerID, event.Status)
		}
		return event.Status + "\n"
	case domain.EventStateChanged:
		return fmt.Sprintf("=====> %s %s\n", time.Now().UTC().Format(time.RFC3339), event.State)
	case domain.EventBuildSucceeded:
		return fmt.Sprintf("=====> Build succeeded: %s\n", event.Outcome.ImageReference)
	case domain.EventBuildFailed:
		return fmt.Sprintf("=====> Build failed: %s\n", event.Error)
	}
	return ""
}
