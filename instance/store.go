package instance

import (
	"context"

	"github.com/vigilhq/vigil/id"
)

// ListOpts controls filtering for instance list queries.
type ListOpts struct {
	// Status filters by status. Empty means all statuses.
	Status Status
	// Live restricts results to non-terminal instances.
	Live bool
	// Orphaned restricts results to orphaned instances.
	Orphaned bool
	// Limit is the maximum number of instances to return. Zero means no limit.
	Limit int
}

// Store defines the persistence contract for workflow instances.
type Store interface {
	// CreateInstance persists a new instance. Returns
	// vigil.ErrInstanceExists if the ID is already present (spawn is
	// idempotent on the recorded child ID).
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)

	// UpdateInstance persists changes to an existing instance.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)

	// ListChildren returns the direct children of a parent instance.
	ListChildren(ctx context.Context, parentID id.InstanceID) ([]*Instance, error)
}
