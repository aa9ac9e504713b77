package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue is closed")
)

// discardError marks a handler failure as permanent: the broker records the
// job as failed without consuming further attempts.
type discardError struct {
	err error
}

func (e *discardError) Error() string {
	return fmt.Sprintf("discarded: %v", e.err)
}

func (e *discardError) Unwrap() error { return e.err }

// Discard wraps a handler error so the job fails permanently instead of
// retrying.
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return &discardError{err: err}
}

// IsDiscard reports whether the handler outcome opted out of retries.
// Context cancellation during shutdown is treated as retryable so the job
// is redelivered when the process comes back.
func IsDiscard(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var d *discardError
	return errors.As(err, &d)
}
