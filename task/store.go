package task

import (
	"context"
	"time"

	"github.com/vigilhq/vigil/id"
)

// Store defines the persistence contract for durable tasks.
type Store interface {
	// EnqueueTask persists a new pending task. Returns vigil.ErrTaskExists
	// if the ID is already present (scheduling is idempotent on the
	// recorded task ID).
	EnqueueTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// DequeueTasks atomically claims up to limit due pending tasks for a
	// worker, marking them running, incrementing Attempt, and stamping a
	// heartbeat. A claimed task is invisible to other workers until it
	// completes, is rescheduled, or its heartbeat goes stale.
	DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int) ([]*Task, error)

	// CompleteTask transitions a task to a terminal status if and only if
	// it is not already terminal, and reports whether this call won the
	// transition. At-least-once execution can finish an attempt twice; only
	// the winner may emit the outcome event.
	CompleteTask(ctx context.Context, t *Task) (bool, error)

	// HeartbeatTask refreshes the liveness stamp of a running task.
	HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error

	// ListStalledTasks returns running tasks whose heartbeat is older than
	// the threshold, so the reaper can reschedule them.
	ListStalledTasks(ctx context.Context, olderThan time.Time) ([]*Task, error)

	// ListTasksForInstance returns all tasks belonging to an instance.
	ListTasksForInstance(ctx context.Context, instanceID id.InstanceID) ([]*Task, error)

	// CountPendingTasks returns the number of pending tasks.
	CountPendingTasks(ctx context.Context) (int64, error)
}
