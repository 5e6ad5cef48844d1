// Package signal delivers external events into instance logs with
// per-target ordering and duplicate suppression.
package signal

import (
	"fmt"
	"time"

	"github.com/vigilhq/vigil/id"
)

// NameCancel is the reserved signal name that requests cancellation of the
// target instance. Orchestration logic observes it at its next blocking
// call; the engine maps it to a cancelled terminal status.
const NameCancel = "vigil.cancel"

// Signal is one external event addressed to an instance.
//
// ID is a caller-supplied idempotency key, not a generated identifier:
// redelivering a signal with an ID the target has already applied is
// acknowledged without a second append. Signals sent from inside
// orchestration logic derive their IDs deterministically so replays
// produce the same key.
type Signal struct {
	ID      string        `json:"id" msgpack:"id"`
	Target  id.InstanceID `json:"target" msgpack:"target"`
	Origin  id.InstanceID `json:"origin,omitempty" msgpack:"origin"`
	Name    string        `json:"name" msgpack:"name"`
	Payload []byte        `json:"payload,omitempty" msgpack:"payload"`
	At      time.Time     `json:"at" msgpack:"at"`
}

// Ack is the delivery acknowledgement returned to the sender.
type Ack struct {
	// Duplicate is true when the signal ID was already applied to the
	// target and the delivery was suppressed.
	Duplicate bool
}

// UndeliverableError reports that a signal could not reach its target:
// the instance does not exist or has already reached a terminal status.
type UndeliverableError struct {
	Target id.InstanceID
	Reason string
}

func (e *UndeliverableError) Error() string {
	return fmt.Sprintf("signal: target %s undeliverable: %s", e.Target, e.Reason)
}
