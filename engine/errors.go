package engine

import (
	"errors"
	"fmt"

	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
)

// ErrSuspended is returned through the workflow function's call stack when
// execution reaches a blocking call whose outcome is not yet in the log.
// Workflow code must propagate it unmodified.
var ErrSuspended = errors.New("engine: execution suspended")

// ErrCancelled is returned from a blocking call when the instance has an
// unconsumed cancellation signal. The engine maps it to a cancelled
// terminal status.
var ErrCancelled = errors.New("engine: execution cancelled")

// errHalt marks an infrastructure failure mid-advance. The advance is
// abandoned without touching instance state and retried on the next notify.
var errHalt = errors.New("engine: advance halted")

// DivergenceError reports that a workflow function issued a command that
// does not match what its log recorded at the same sequence number. The
// instance is flagged for inspection; the engine never reconciles a
// diverged history.
type DivergenceError struct {
	InstanceID id.InstanceID
	Seq        int
	Recorded   event.Kind
	Issued     event.Kind
	Detail     string
}

func (e *DivergenceError) Error() string {
	if e.Recorded == "" && e.Issued == "" {
		return fmt.Sprintf("engine: instance %s diverged at seq %d: %s", e.InstanceID, e.Seq, e.Detail)
	}
	msg := fmt.Sprintf("engine: instance %s diverged at seq %d: recorded %s, issued %s",
		e.InstanceID, e.Seq, e.Recorded, e.Issued)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// TaskError surfaces a task's terminal failure to the workflow function
// that scheduled it. Reason is one of the event.Reason* constants.
type TaskError struct {
	TaskID    id.TaskID
	Operation string
	Message   string
	Reason    string
	Attempts  int
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("engine: task %s (%s) failed after %d attempt(s) [%s]: %s",
		e.TaskID, e.Operation, e.Attempts, e.Reason, e.Message)
}
