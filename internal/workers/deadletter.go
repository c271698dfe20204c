package workers

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// DefaultMonitorInterval is how often queue statistics are sampled
const DefaultMonitorInterval = time.Minute

// QueueInspector reads queue statistics
type QueueInspector interface {
	Queues() ([]string, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// DeadLetterMonitor periodically logs the state of every queue. Build tasks
// are never retried, so failed builds land in the archived set right away.
type DeadLetterMonitor struct {
	*BaseWorker
	inspector QueueInspector
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
}

// NewDeadLetterMonitor creates a new queue monitor
func NewDeadLetterMonitor(inspector QueueInspector, interval time.Duration, logger *zap.Logger) *DeadLetterMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &DeadLetterMonitor{
		BaseWorker: NewBaseWorker("dead-letter-monitor", logger),
		inspector:  inspector,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start samples queue statistics until ctx is cancelled or Stop is called
func (m *DeadLetterMonitor) Start(ctx context.Context) error {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Logger.Info("Dead-letter queue monitoring enabled", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Stop stops the monitor and waits for it to exit
func (m *DeadLetterMonitor) Stop(ctx context.Context) error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check logs the statistics of every queue holding tasks. It returns the
// total number of archived tasks.
func (m *DeadLetterMonitor) Check() int {
	queues, err := m.inspector.Queues()
	if err != nil {
		m.Logger.Warn("Failed to get queue stats", zap.Error(err))
		return 0
	}

	archived := 0
	for _, queueName := range queues {
		info, err := m.inspector.GetQueueInfo(queueName)
		if err != nil {
			m.Logger.Warn("Failed to get queue info", zap.String("queue", queueName), zap.Error(err))
			continue
		}
		archived += info.Archived

		fields := []zap.Field{
			zap.String("queue", queueName),
			zap.Int("pending", info.Pending),
			zap.Int("active", info.Active),
			zap.Int("scheduled", info.Scheduled),
			zap.Int("retry", info.Retry),
			zap.Int("archived", info.Archived),
			zap.Int("failed_today", info.Failed),
		}
		switch {
		case info.Archived > 0:
			m.Logger.Warn("Queue has archived tasks", fields...)
		case info.Pending > 0 || info.Active > 0 || info.Scheduled > 0 || info.Retry > 0:
			m.Logger.Info("Queue status", fields...)
		}
	}
	return archived
}
