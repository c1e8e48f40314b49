package conveyor

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Not found errors.
	ErrJobNotFound     = errors.New("conveyor: job not found")
	ErrTaskNotFound    = errors.New("conveyor: task not found")
	ErrDLQNotFound     = errors.New("conveyor: dlq entry not found")
	ErrBalanceNotFound = errors.New("conveyor: credit balance not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("conveyor: task already exists")
	ErrJobAlreadyExists  = errors.New("conveyor: job already exists")

	// Queue errors.
	ErrUnknownQueue = errors.New("conveyor: unknown queue")
)

// PermanentError marks a processor failure as non-retryable. The worker
// executor dead-letters the task immediately instead of scheduling a
// retry — used for malformed payloads and render failures, where a
// retry cannot change the outcome.
type PermanentError struct {
	Err error
}

// Permanent wraps err as a PermanentError. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
