package vigil

import "time"

// Config holds configuration for a Vigil engine.
type Config struct {
	// Concurrency is the maximum number of tasks executed concurrently
	// by the scheduler's worker pool.
	Concurrency int

	// QueueDepth bounds the number of pending tasks. Scheduling beyond
	// this depth fails with ErrQueueFull (backpressure instead of
	// unbounded buffering).
	QueueDepth int

	// PollInterval is how often scheduler workers poll for due tasks.
	PollInterval time.Duration

	// HeartbeatInterval is how often running tasks are expected to
	// report liveness. Zero disables heartbeat tracking.
	HeartbeatInterval time.Duration

	// StaleTaskThreshold is the interval after which a running task
	// without a heartbeat is treated as stalled and handled like a
	// timed-out attempt. Zero disables stall reaping.
	StaleTaskThreshold time.Duration

	// GraceTimeout bounds how long cascade cancellation waits for a
	// descendant to acknowledge before force-terminating it.
	GraceTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		QueueDepth:         1024,
		PollInterval:       50 * time.Millisecond,
		HeartbeatInterval:  15 * time.Second,
		StaleTaskThreshold: time.Minute,
		GraceTimeout:       30 * time.Second,
	}
}
