package signal

import (
	"context"

	"github.com/vigilhq/vigil/id"
)

// DedupStore records which signal IDs have been applied to which targets.
type DedupStore interface {
	// MarkSignalApplied atomically records a signal ID against a target.
	// It returns true if this call was the first to record the ID, false
	// if the ID was already applied.
	MarkSignalApplied(ctx context.Context, target id.InstanceID, signalID string) (bool, error)

	// UnmarkSignalApplied removes a recorded signal ID so a delivery that
	// failed after marking can be retried under the same ID.
	UnmarkSignalApplied(ctx context.Context, target id.InstanceID, signalID string) error
}
