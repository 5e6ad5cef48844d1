package event

import (
	"context"

	"github.com/vigilhq/vigil/id"
)

// Log defines the persistence contract for per-instance event logs.
//
// Each instance's log is an independent append-only sequence. Offset
// assignment is atomic in the store: the engine, the signal router, and the
// supervisor all append to the same log without external coordination, and
// two concurrent appends must never observe the same offset.
type Log interface {
	// AppendEvent persists an event, assigning the next offset for its
	// instance. The assigned offset is written back to evt.Offset.
	AppendEvent(ctx context.Context, evt *Event) error

	// ListEvents returns an instance's events with Offset >= fromOffset,
	// in offset order. A fromOffset of 0 returns the full log.
	ListEvents(ctx context.Context, instanceID id.InstanceID, fromOffset int64) ([]*Event, error)

	// CountEvents returns the number of events in an instance's log.
	CountEvents(ctx context.Context, instanceID id.InstanceID) (int64, error)
}
