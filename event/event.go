// Package event defines the append-only per-instance event log that is the
// source of truth for orchestration replay. Each workflow instance owns an
// ordered sequence of immutable events; replaying that sequence is the sole
// determinant of the instance's in-memory state.
package event

import (
	"time"

	"github.com/vigilhq/vigil/id"
)

// Kind identifies the type of an event log entry.
type Kind string

const (
	// Command events, recorded by the instance's own execution. Each
	// carries a Seq assigned in the order orchestration logic issued it.
	KindTaskScheduled   Kind = "task_scheduled"
	KindTimerSet        Kind = "timer_set"
	KindChildSpawned    Kind = "child_spawned"
	KindCurrentTimeRead Kind = "time_read"
	KindSignalPolled    Kind = "signal_polled"
	KindSignalSent      Kind = "signal_sent"

	// Outcome and inbound events, appended by the scheduler, router,
	// and supervisor.
	KindTaskCompleted     Kind = "task_completed"
	KindTaskFailed        Kind = "task_failed"
	KindTimerFired        Kind = "timer_fired"
	KindSignalReceived    Kind = "signal_received"
	KindChildTerminated   Kind = "child_terminated"
	KindInstanceCompleted Kind = "instance_completed"
)

// Command reports whether this kind is recorded by the instance's own
// execution (and therefore carries a command sequence number).
func (k Kind) Command() bool {
	switch k {
	case KindTaskScheduled, KindTimerSet, KindChildSpawned, KindCurrentTimeRead,
		KindSignalPolled, KindSignalSent:
		return true
	}
	return false
}

// Event is one immutable entry in an instance's log. Offset is assigned by
// the store on append and is monotonic per instance. Payload is a
// codec-encoded struct matching the Kind (see payloads.go); every event is
// independently deserializable without reference to other instances' logs.
type Event struct {
	ID         id.EventID    `json:"id" msgpack:"id"`
	InstanceID id.InstanceID `json:"instance_id" msgpack:"instance_id"`
	Offset     int64         `json:"offset" msgpack:"offset"`
	Kind       Kind          `json:"kind" msgpack:"kind"`
	Seq        int           `json:"seq,omitempty" msgpack:"seq"`
	Payload    []byte        `json:"payload,omitempty" msgpack:"payload"`
	At         time.Time     `json:"at" msgpack:"at"`
}
