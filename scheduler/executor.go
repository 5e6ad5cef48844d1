// Package scheduler runs the at-least-once task execution layer: a pool of
// worker goroutines claiming due tasks from the store, an Executor that runs
// each attempt through middleware with retry classification and backoff, and
// the maintenance loops (heartbeats, stalled-task reaping) that recover work
// lost to crashed workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/middleware"
	"github.com/vigilhq/vigil/task"
)

// Resumer receives final task outcomes so blocked instances can advance.
// The engine implements it; the indirection keeps the scheduler free of an
// engine dependency.
type Resumer interface {
	OnTaskDone(ctx context.Context, t *task.Task, reason string) error
}

// Executor runs a single claimed task attempt through the middleware chain
// and the registered handler, then applies the operation's retry policy:
// reschedule with backoff, or finish the task and notify the resumer.
type Executor struct {
	registry   *task.Registry
	store      task.Store
	classifier task.Classifier
	mw         middleware.Middleware
	resumer    Resumer
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *task.Registry,
	store task.Store,
	classifier task.Classifier,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if classifier == nil {
		classifier = task.DefaultClassifier()
	}
	return &Executor{
		registry:   registry,
		store:      store,
		classifier: classifier,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// SetResumer wires the outcome sink. Must be called before Execute.
func (e *Executor) SetResumer(r Resumer) { e.resumer = r }

// Execute runs one attempt of a claimed task.
// On success: the task is completed and the resumer notified.
// On a retryable failure with budget remaining: the task is rescheduled
// with backoff.
// On a terminal failure, or when the attempt budget is spent: the task is
// failed and the resumer notified with the reason.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	def, ok := e.registry.Lookup(t.Operation)
	if !ok {
		// The engine refuses to schedule unregistered operations, so this
		// means the registry changed across a restart. Repeating cannot fix it.
		return e.finish(ctx, t, event.ReasonTerminal,
			fmt.Errorf("no handler registered for operation %q", t.Operation))
	}

	// The handler writes into a local so that an attempt abandoned at its
	// timeout deadline never races a late write against the task record.
	var output []byte
	terminal := func(ctx context.Context) error {
		out, err := def.Handler(ctx, t.Input)
		if err != nil {
			return err
		}
		output = out
		return nil
	}

	err := e.mw(ctx, t, terminal)
	if err != nil {
		return e.handleFailure(ctx, t, def, err)
	}
	t.Output = output
	return e.handleSuccess(ctx, t)
}

// handleSuccess records the completed attempt. Losing the completion race
// is not an error: another delivery of the same attempt got there first.
func (e *Executor) handleSuccess(ctx context.Context, t *task.Task) error {
	t.Status = task.StatusCompleted
	t.Error = ""

	won, err := e.store.CompleteTask(ctx, t)
	if err != nil {
		e.logger.Error("failed to complete task",
			slog.String("task_id", t.ID.String()),
			slog.String("operation", t.Operation),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !won {
		e.logger.Debug("task outcome already recorded",
			slog.String("task_id", t.ID.String()),
		)
		return nil
	}

	return e.resume(ctx, t, "")
}

// handleFailure classifies the error and either reschedules the attempt or
// finishes the task.
func (e *Executor) handleFailure(ctx context.Context, t *task.Task, def *task.Definition, handlerErr error) error {
	t.Error = handlerErr.Error()

	if e.classifier.Classify(handlerErr) == task.KindTerminal {
		return e.finish(ctx, t, event.ReasonTerminal, handlerErr)
	}

	if t.Attempt >= t.MaxAttempts {
		reason := event.ReasonExhausted
		var te *task.TimeoutError
		if errors.As(handlerErr, &te) {
			reason = event.ReasonTimeout
		}
		return e.finish(ctx, t, reason, handlerErr)
	}

	return e.scheduleRetry(ctx, t, def, handlerErr)
}

// scheduleRetry returns the task to pending with a backoff delay. The
// attempt counter advances on claim, not here.
func (e *Executor) scheduleRetry(ctx context.Context, t *task.Task, def *task.Definition, handlerErr error) error {
	delay := def.Policy.Strategy().Delay(t.Attempt)
	t.Status = task.StatusPending
	t.RunAt = time.Now().UTC().Add(delay)
	t.ClaimedBy = id.Nil
	t.LastHeartbeat = nil

	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to reschedule task",
			slog.String("task_id", t.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.logger.Info("task scheduled for retry",
		slog.String("task_id", t.ID.String()),
		slog.String("operation", t.Operation),
		slog.Int("attempt", t.Attempt),
		slog.Int("max_attempts", t.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("task %s attempt %d/%d: %w", t.Operation, t.Attempt, t.MaxAttempts, handlerErr)
}

// finish fails the task permanently and, if this worker won the terminal
// transition, notifies the resumer with the reason.
func (e *Executor) finish(ctx context.Context, t *task.Task, reason string, handlerErr error) error {
	t.Status = task.StatusFailed
	t.Error = handlerErr.Error()

	won, err := e.store.CompleteTask(ctx, t)
	if err != nil {
		e.logger.Error("failed to record task failure",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !won {
		return nil
	}

	e.logger.Warn("task failed permanently",
		slog.String("task_id", t.ID.String()),
		slog.String("operation", t.Operation),
		slog.Int("attempts", t.Attempt),
		slog.String("reason", reason),
		slog.String("error", handlerErr.Error()),
	)

	if resumeErr := e.resume(ctx, t, reason); resumeErr != nil {
		return resumeErr
	}
	return handlerErr
}

func (e *Executor) resume(ctx context.Context, t *task.Task, reason string) error {
	if e.resumer == nil {
		e.logger.Warn("no resumer configured, task outcome not delivered",
			slog.String("task_id", t.ID.String()),
		)
		return nil
	}
	if err := e.resumer.OnTaskDone(ctx, t, reason); err != nil {
		e.logger.Error("failed to deliver task outcome",
			slog.String("task_id", t.ID.String()),
			slog.String("instance_id", t.InstanceID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
