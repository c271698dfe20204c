package domain

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyBuildID is the key for the build ID in context
	ContextKeyBuildID ContextKey = "build_id"
	// ContextKeyLogger is the key for logger in context
	ContextKeyLogger ContextKey = "logger"
)

// WithBuildID adds a build ID to the context
func WithBuildID(ctx context.Context, buildID string) context.Context {
	return context.WithValue(ctx, ContextKeyBuildID, buildID)
}

// BuildID retrieves the build ID from context
func BuildID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyBuildID).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ContextKeyLogger, logger)
}

// LoggerFromContext returns the logger stored in ctx, or fallback if there is none.
// The build ID, when present, is attached as a field.
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := fallback
	if l, ok := ctx.Value(ContextKeyLogger).(*zap.Logger); ok {
		logger = l
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if id := BuildID(ctx); id != "" {
		logger = logger.With(zap.String("build_id", id))
	}
	return logger
}

// WithTimeout creates a context with timeout
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
