package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
)

// Enqueuer submits tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher turns workflow events into background tasks. It implements
// notify.Emitter; enqueue failures are logged and dropped.
type Dispatcher struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(queue Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, logger: logger}
}

// Emit implements notify.Emitter.
func (d *Dispatcher) Emit(ctx context.Context, name string, payload any) {
	if d == nil || d.queue == nil {
		return
	}
	var (
		task *asynq.Task
		err  error
	)
	switch name {
	case notify.EventPOStatusUpdated:
		n, ok := payload.(procurement.Notice)
		if !ok || n.Status != procurement.StatusSent {
			return
		}
		task, err = NewPOEmailTask(n.ID)
	case notify.EventQuoteCompleted:
		n, ok := payload.(quotes.Notice)
		if !ok {
			return
		}
		task, err = NewQuoteCompletedTask(n.ID)
	default:
		return
	}
	if err != nil {
		d.logger.Warn("build task", slog.String("event", name), slog.Any("error", err))
		return
	}
	if _, err := d.queue.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			d.logger.Debug("task already queued", slog.String("task", task.Type()))
			return
		}
		d.logger.Warn("enqueue task", slog.String("task", task.Type()), slog.Any("error", err))
	}
}
