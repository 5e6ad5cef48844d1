package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vigilhq/vigil/backoff"
)

// RetryPolicy controls how failed task attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first
	// execution. Attempts beyond it fail the task permanently.
	MaxAttempts int `json:"max_attempts" msgpack:"max_attempts"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" msgpack:"base_delay"`
	// Multiplier grows the delay geometrically per retry. <= 1 means 2.
	Multiplier float64 `json:"multiplier" msgpack:"multiplier"`
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay" msgpack:"max_delay"`
}

// DefaultRetryPolicy returns the policy applied when an operation does not
// declare its own: 3 attempts, 1s base, doubling, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// Strategy converts the policy's delay parameters into a backoff strategy.
func (p RetryPolicy) Strategy() backoff.Strategy {
	return &backoff.ExponentialWithJitter{
		Initial:    p.BaseDelay,
		Multiplier: p.Multiplier,
		Max:        p.MaxDelay,
	}
}

// ErrorKind classifies a task error for retry purposes.
type ErrorKind int

const (
	// KindRetryable errors consume an attempt and reschedule the task.
	KindRetryable ErrorKind = iota
	// KindTerminal errors fail the task immediately regardless of the
	// remaining attempt budget.
	KindTerminal
)

// Classifier decides whether a task error is worth retrying.
type Classifier interface {
	Classify(err error) ErrorKind
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) ErrorKind

// Classify calls f(err).
func (f ClassifierFunc) Classify(err error) ErrorKind {
	return f(err)
}

// terminalError marks an error as not worth retrying.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the default classifier treats it as non-retryable.
// Operations return Terminal errors for failures that repeating cannot fix,
// such as validation rejections.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries a Terminal marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// TimeoutError reports that a single task attempt exceeded its deadline.
// Attempt timeouts are retryable.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task: operation %q timed out after %s", e.Operation, e.Timeout)
}

// DefaultClassifier treats Terminal-wrapped errors and context.Canceled as
// terminal and everything else, including attempt timeouts, as retryable.
func DefaultClassifier() Classifier {
	return ClassifierFunc(func(err error) ErrorKind {
		if IsTerminal(err) || errors.Is(err, context.Canceled) {
			return KindTerminal
		}
		return KindRetryable
	})
}
