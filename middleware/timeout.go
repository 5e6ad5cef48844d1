package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vigilhq/vigil/task"
)

// Timeout returns middleware that enforces a per-attempt execution deadline.
// If the task has a non-zero Timeout, the handler runs in its own goroutine
// under a context.WithTimeout; when the deadline passes before the handler
// returns, the attempt fails with a retryable task.TimeoutError immediately,
// even if the handler ignores its context. The abandoned handler keeps its
// goroutine until it returns on its own; its eventual result is discarded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if t.Timeout <= 0 {
			return next(ctx)
		}

		logger.Debug("task timeout set",
			slog.String("task_id", t.ID.String()),
			slog.Duration("timeout", t.Timeout),
		)
		ctx, cancel := context.WithTimeout(ctx, t.Timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in operation %s: %v", t.Operation, r)
				}
			}()
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return &task.TimeoutError{Operation: t.Operation, Timeout: t.Timeout}
			}
			return err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("task attempt abandoned at deadline",
					slog.String("task_id", t.ID.String()),
					slog.String("operation", t.Operation),
					slog.Duration("timeout", t.Timeout),
				)
				return &task.TimeoutError{Operation: t.Operation, Timeout: t.Timeout}
			}
			return ctx.Err()
		}
	}
}
