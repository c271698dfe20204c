package workers

import (
	"context"

	"go.uber.org/zap"
	"stackyn/builder/pkg/graceful"
)

// Worker is a long-running background process of the build platform
type Worker interface {
	// Start blocks until ctx is cancelled or Stop is called
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// BaseWorker carries the name and tagged logger shared by every worker
type BaseWorker struct {
	Logger *zap.Logger
	name   string
}

func NewBaseWorker(name string, logger *zap.Logger) *BaseWorker {
	return &BaseWorker{
		Logger: logger.With(zap.String("worker", name)),
		name:   name,
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

// StartAll starts every worker in its own goroutine and registers its Stop
// with shutdown, in the order given. onExit is called when a worker returns
// an error before ctx is cancelled.
func StartAll(ctx context.Context, shutdown *graceful.ShutdownHandler, onExit func(Worker, error), ws ...Worker) {
	for _, w := range ws {
		go func(w Worker) {
			if err := w.Start(ctx); err != nil && ctx.Err() == nil {
				onExit(w, err)
			}
		}(w)
		shutdown.Register(w.Name(), graceful.ShutdownFunc(w.Stop))
	}
}
