// Package task defines the durable task model, retry policies, the typed
// operation registry, and the task store interface.
package task

import (
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/id"
)

// Status represents the lifecycle status of a task.
type Status string

const (
	// StatusPending means the task is queued and due (or will be at RunAt).
	StatusPending Status = "pending"
	// StatusRunning means a worker has claimed the task and is executing it.
	StatusRunning Status = "running"
	// StatusCompleted means the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the task exhausted its retry budget or hit a
	// terminal error.
	StatusFailed Status = "failed"
	// StatusCancelled means the task was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one at-least-once execution request produced by an advancing
// instance. Exactly one terminal outcome event reaches the instance's log
// even if the side effect itself ran more than once.
type Task struct {
	vigil.Entity

	ID         id.TaskID     `json:"id" msgpack:"id"`
	InstanceID id.InstanceID `json:"instance_id" msgpack:"instance_id"`
	Operation  string        `json:"operation" msgpack:"operation"`
	Status     Status        `json:"status" msgpack:"status"`
	Input      []byte        `json:"input,omitempty" msgpack:"input"`
	Output     []byte        `json:"output,omitempty" msgpack:"output"`
	Error      string        `json:"error,omitempty" msgpack:"error"`

	// Attempt counts executions, starting at 1 on the first claim.
	Attempt     int `json:"attempt" msgpack:"attempt"`
	MaxAttempts int `json:"max_attempts" msgpack:"max_attempts"`

	// RunAt is when the task becomes due. Retries push it into the future
	// by the policy's backoff delay.
	RunAt time.Time `json:"run_at" msgpack:"run_at"`

	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout time.Duration `json:"timeout,omitempty" msgpack:"timeout"`

	ClaimedBy     id.WorkerID `json:"claimed_by,omitempty" msgpack:"claimed_by"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty" msgpack:"last_heartbeat"`

	StartedAt   *time.Time `json:"started_at,omitempty" msgpack:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" msgpack:"completed_at"`
}
