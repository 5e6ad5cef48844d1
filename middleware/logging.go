package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/vigilhq/vigil/task"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		logger.Info("task started",
			slog.String("operation", t.Operation),
			slog.String("task_id", t.ID.String()),
			slog.String("instance_id", t.InstanceID.String()),
			slog.Int("attempt", t.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task attempt failed",
				slog.String("operation", t.Operation),
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", t.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("operation", t.Operation),
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", t.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
