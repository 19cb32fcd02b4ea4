package eventbus

import "errors"

var (
	// ErrBatchAborted marks envelopes that were never sent because another
	// envelope of the same batch could not be serialized.
	ErrBatchAborted    = errors.New("eventbus: batch aborted before send")
	ErrPublisherClosed = errors.New("eventbus: publisher closed")
)

// UnprocessableEventError wraps failures that no retry can fix, such as an
// envelope the codec rejects. Senders may return it for messages the bus
// refuses on content grounds.
type UnprocessableEventError struct {
	err error
}

func NewUnprocessableEventError(err error) *UnprocessableEventError {
	return &UnprocessableEventError{err: err}
}

func (e *UnprocessableEventError) Error() string { return "unprocessable event: " + e.err.Error() }

func (e *UnprocessableEventError) Unwrap() error { return e.err }

func IsUnprocessableEventError(err error) bool {
	var unprocessableEventError *UnprocessableEventError

	return errors.As(err, &unprocessableEventError)
}
