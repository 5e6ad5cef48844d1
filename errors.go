package vigil

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("vigil: no store configured")
	ErrStoreClosed = errors.New("vigil: store closed")

	// Not found errors.
	ErrInstanceNotFound = errors.New("vigil: instance not found")
	ErrTaskNotFound     = errors.New("vigil: task not found")

	// Duplicate errors.
	ErrInstanceExists = errors.New("vigil: instance already exists")
	ErrTaskExists     = errors.New("vigil: task already exists")

	// ErrQueueFull is returned when the task scheduler's bounded pending
	// queue is saturated. Callers should back off rather than buffer.
	ErrQueueFull = errors.New("vigil: task queue full")

	// ErrTerminal is returned when an operation targets an instance that
	// has already reached a terminal status.
	ErrTerminal = errors.New("vigil: instance is terminal")
)
