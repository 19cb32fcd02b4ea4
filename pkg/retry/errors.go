package retry

import (
	"errors"
	"fmt"
)

var (
	ErrNilPolicy       = errors.New("retry: backoff policy is required")
	ErrNegativeRetries = errors.New("retry: max retries must be non-negative")
)

// ExhaustedError is returned when every attempt failed with a retryable
// error. It unwraps to the last failure so errors.Is/As keep matching it.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %s", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// InterruptedError is returned when the caller's context ended during a
// backoff wait. It unwraps to both the last failure and the context error.
type InterruptedError struct {
	Attempts int
	Err      error
	Cause    error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("retry interrupted after %d attempts (%s): %s", e.Attempts, e.Cause, e.Err)
}

func (e *InterruptedError) Unwrap() []error { return []error{e.Err, e.Cause} }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError

	return errors.As(err, &p)
}

// IsExhausted reports whether err came from a spent retry budget and
// returns the number of attempts made.
func IsExhausted(err error) (int, bool) {
	var e *ExhaustedError
	if errors.As(err, &e) {
		return e.Attempts, true
	}

	return 0, false
}
