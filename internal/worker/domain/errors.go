package domain

import "errors"

var (
	// ErrRunAlreadyClaimed is returned when the run is not PENDING anymore
	ErrRunAlreadyClaimed = errors.New("run already claimed or not in PENDING status")

	// ErrInvalidInput is returned when the stored run input cannot be parsed
	ErrInvalidInput = errors.New("invalid run input")

	// ErrRunFailed is returned when the aggregation itself failed
	ErrRunFailed = errors.New("aggregation run failed")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
