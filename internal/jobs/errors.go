package jobs

import "errors"

var (
	// ErrNotFound is returned when a job cannot be found in the store.
	ErrNotFound = errors.New("job not found")

	// ErrUnknownType is returned when no handler is registered for a job's
	// type. Jobs failing with it are terminal and never retried.
	ErrUnknownType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a job payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// RetryableError wraps transient failures that should requeue the job.
// Any handler error that does not unwrap to a RetryableError is permanent.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError marks err as transient.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
