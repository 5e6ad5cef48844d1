package event

import (
	"time"

	"github.com/vigilhq/vigil/id"
)

// TaskScheduled records a task the instance requested. The TaskID is
// generated once, at first execution, and reused on every replay.
type TaskScheduled struct {
	TaskID    id.TaskID `json:"task_id" msgpack:"task_id"`
	Operation string    `json:"operation" msgpack:"operation"`
	Input     []byte    `json:"input,omitempty" msgpack:"input"`
}

// TaskResult records the single terminal outcome of a task. Exactly one
// TaskCompleted or TaskFailed event exists per scheduled task.
type TaskResult struct {
	TaskID  id.TaskID `json:"task_id" msgpack:"task_id"`
	Output  []byte    `json:"output,omitempty" msgpack:"output"`
	Error   string    `json:"error,omitempty" msgpack:"error"`
	Reason  string    `json:"reason,omitempty" msgpack:"reason"`
	Attempt int       `json:"attempt" msgpack:"attempt"`
}

// Failure reasons recorded on TaskFailed events.
const (
	ReasonTerminal  = "terminal"
	ReasonExhausted = "exhausted"
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// TimerSet records a durable timer with its absolute deadline. FireAt is
// chosen once, at first execution, so replay observes the same deadline.
type TimerSet struct {
	TimerID id.TimerID `json:"timer_id" msgpack:"timer_id"`
	FireAt  time.Time  `json:"fire_at" msgpack:"fire_at"`
}

// TimerFired records that a timer's deadline passed.
type TimerFired struct {
	TimerID id.TimerID `json:"timer_id" msgpack:"timer_id"`
}

// SignalReceived records a signal durably delivered into this instance's
// mailbox. SignalID dedupes transport-level retries from senders.
type SignalReceived struct {
	SignalID string        `json:"signal_id" msgpack:"signal_id"`
	Origin   id.InstanceID `json:"origin,omitempty" msgpack:"origin"`
	Name     string        `json:"name" msgpack:"name"`
	Payload  []byte        `json:"payload,omitempty" msgpack:"payload"`
}

// SignalPolled records the outcome of a non-blocking mailbox check. The
// observed result is part of the execution history: replay must see the
// same answer even after more signals have arrived.
type SignalPolled struct {
	Name     string `json:"name" msgpack:"name"`
	Found    bool   `json:"found" msgpack:"found"`
	SignalID string `json:"signal_id,omitempty" msgpack:"signal_id"`
	Payload  []byte `json:"payload,omitempty" msgpack:"payload"`
}

// SignalSent records an outbound signal to another instance. The SignalID
// is derived deterministically from the sender and command sequence, so a
// crash between delivery and this record redelivers under the same ID and
// the target's dedup absorbs it.
type SignalSent struct {
	SignalID string        `json:"signal_id" msgpack:"signal_id"`
	Target   id.InstanceID `json:"target" msgpack:"target"`
	Name     string        `json:"name" msgpack:"name"`
}

// ChildSpawned records a child instance requested by this instance. The
// ChildID is generated once and reused on replay, keeping child identity
// stable across crashes.
type ChildSpawned struct {
	ChildID id.InstanceID `json:"child_id" msgpack:"child_id"`
	Kind    string        `json:"kind" msgpack:"kind"`
	Input   []byte        `json:"input,omitempty" msgpack:"input"`
}

// ChildTerminated records a child of this instance reaching a terminal
// status. Appended to the parent's log by the supervisor.
type ChildTerminated struct {
	ChildID id.InstanceID `json:"child_id" msgpack:"child_id"`
	Status  string        `json:"status" msgpack:"status"`
	Output  []byte        `json:"output,omitempty" msgpack:"output"`
	Error   string        `json:"error,omitempty" msgpack:"error"`
}

// TimeRead records a wall-clock read made by orchestration logic so that
// replay observes the identical timestamp.
type TimeRead struct {
	At time.Time `json:"at" msgpack:"at"`
}

// InstanceCompleted records the terminal transition of the instance itself.
type InstanceCompleted struct {
	Status string `json:"status" msgpack:"status"`
	Output []byte `json:"output,omitempty" msgpack:"output"`
	Error  string `json:"error,omitempty" msgpack:"error"`
}
