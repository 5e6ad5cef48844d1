// Package store defines the aggregate persistence interface. Each subsystem
// (instance, event, task, signal) defines its own store interface; the
// composite Store composes them all. Backends: Redis and Memory.
package store

import (
	"context"

	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/task"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// implements all of them.
type Store interface {
	instance.Store
	event.Log
	task.Store
	signal.DedupStore

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
