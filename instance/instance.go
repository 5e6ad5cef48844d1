// Package instance defines the workflow instance model, its status machine,
// and the instance store interface.
package instance

import (
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/id"
)

// Status represents the lifecycle status of a workflow instance.
//
// Running and the Blocked* statuses alternate as orchestration logic
// advances and suspends; only Completed, Failed, and Cancelled are terminal.
type Status string

const (
	// StatusCreated means the instance exists but has not advanced yet.
	StatusCreated Status = "created"
	// StatusRunning means the engine is currently advancing the instance.
	StatusRunning Status = "running"
	// StatusBlockedOnTask means the instance awaits a task outcome.
	StatusBlockedOnTask Status = "blocked_on_task"
	// StatusBlockedOnSignal means the instance awaits a named signal.
	StatusBlockedOnSignal Status = "blocked_on_signal"
	// StatusBlockedOnTimer means the instance awaits a durable timer.
	StatusBlockedOnTimer Status = "blocked_on_timer"
	// StatusCompleted means orchestration logic returned successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means orchestration logic returned an unhandled error.
	StatusFailed Status = "failed"
	// StatusCancelled means the instance was cancelled.
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

// Kind distinguishes top-level instances from spawned children.
const (
	KindParent = "parent"
	KindChild  = "child"
)

// Instance is one running execution of orchestration logic. It is created
// by the supervisor, mutated only by the engine advancing it, and retained
// after a terminal transition for audit alongside its event log.
//
// The Await* fields persist the serialized "awaiting X" continuation state
// alongside the log so a restarted process can resume without language-level
// coroutine support.
type Instance struct {
	vigil.Entity

	ID       id.InstanceID  `json:"id" msgpack:"id"`
	Workflow string         `json:"workflow" msgpack:"workflow"`
	Kind     string         `json:"kind" msgpack:"kind"`
	ParentID *id.InstanceID `json:"parent_id,omitempty" msgpack:"parent_id"`
	Status   Status         `json:"status" msgpack:"status"`
	Input    []byte         `json:"input,omitempty" msgpack:"input"`
	Output   []byte         `json:"output,omitempty" msgpack:"output"`
	Error    string         `json:"error,omitempty" msgpack:"error"`

	// Diverged marks an instance whose logic behaved non-deterministically
	// across replays. Automatic resumption halts; the instance is flagged
	// for manual inspection, never "fixed up".
	Diverged bool `json:"diverged,omitempty" msgpack:"diverged"`

	// Orphaned marks a live child whose parent terminated without
	// cascading cancellation to it.
	Orphaned bool `json:"orphaned,omitempty" msgpack:"orphaned"`

	// Continuation state for the current suspension point.
	AwaitTaskID  id.TaskID  `json:"await_task_id,omitempty" msgpack:"await_task_id"`
	AwaitTimerID id.TimerID `json:"await_timer_id,omitempty" msgpack:"await_timer_id"`
	TimerFireAt  *time.Time `json:"timer_fire_at,omitempty" msgpack:"timer_fire_at"`
	AwaitSignals []string   `json:"await_signals,omitempty" msgpack:"await_signals"`

	// LastOffset is the highest event offset incorporated into the last
	// completed advance, recorded for observability.
	LastOffset int64 `json:"last_offset" msgpack:"last_offset"`

	StartedAt   time.Time  `json:"started_at" msgpack:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" msgpack:"completed_at"`
}

// ClearAwait resets the persisted continuation state.
func (i *Instance) ClearAwait() {
	i.AwaitTaskID = id.Nil
	i.AwaitTimerID = id.Nil
	i.TimerFireAt = nil
	i.AwaitSignals = nil
}
