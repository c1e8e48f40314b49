package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/gigwork/conveyor/task"
)

// Timeout returns middleware that enforces a per-task execution deadline.
// If d is non-zero, a context.WithTimeout wraps the processor call. When
// the deadline is exceeded the context is cancelled and the processor
// should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger, d time.Duration) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if d > 0 {
			logger.Debug("task deadline set",
				slog.String("task_id", t.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
