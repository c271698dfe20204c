package graceful

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownHandler manages graceful shutdown of services
type ShutdownHandler struct {
	logger   *zap.Logger
	services []namedService
	timeout  time.Duration
}

// Shutdownable is an interface for services that can be gracefully shut down
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to the Shutdownable interface
type ShutdownFunc func(ctx context.Context) error

// Shutdown calls f(ctx)
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

type namedService struct {
	name    string
	service Shutdownable
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(logger *zap.Logger, timeout time.Duration) *ShutdownHandler {
	return &ShutdownHandler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register registers a service for graceful shutdown. Services are shut
// down in registration order.
func (h *ShutdownHandler) Register(name string, service Shutdownable) {
	h.services = append(h.services, namedService{name: name, service: service})
}

// WaitForShutdown waits for SIGINT or SIGTERM, or for ctx to be cancelled,
// then shuts down all registered services
func (h *ShutdownHandler) WaitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		h.logger.Info("Shutdown signal received, starting graceful shutdown", zap.String("signal", sig.String()))
	case <-ctx.Done():
		h.logger.Info("Context cancelled, starting graceful shutdown")
	}

	h.Shutdown()
}

// Shutdown shuts down all registered services within the handler timeout
func (h *ShutdownHandler) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	for _, s := range h.services {
		if err := s.service.Shutdown(ctx); err != nil {
			h.logger.Error("Service shutdown error", zap.String("service", s.name), zap.Error(err))
		}
	}

	h.logger.Info("Graceful shutdown completed")
}
