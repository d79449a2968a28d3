package metering

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotAssistantMessage is returned when a recompute targets a message that is not billable
	ErrNotAssistantMessage = errors.New("message is not an assistant message")

	// ErrInvalidSource is returned for an unknown attachment source or a source
	// that does not match the role of the linked message
	ErrInvalidSource = errors.New("invalid attachment source")

	// ErrPricingUnavailable is returned instead of re-pricing a stored cost
	// record while the catalog cannot be read
	ErrPricingUnavailable = errors.New("pricing catalog unavailable")
)

// RecomputeError reports that a cost record could not be persisted. It is the
// only failure the orchestrator surfaces; callers may retry it.
type RecomputeError struct {
	MessageID string
	Attempts  int
	Err       error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("recompute of message %s failed after %d attempt(s): %v", e.MessageID, e.Attempts, e.Err)
}

func (e *RecomputeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying later can succeed. Cancelled callers are not retried.
func (e *RecomputeError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
}

// IsRetryable reports whether err is a retryable RecomputeError
func IsRetryable(err error) bool {
	var re *RecomputeError
	return errors.As(err, &re) && re.Retryable()
}
