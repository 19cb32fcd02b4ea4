package eventbus

import (
	"errors"
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
)

type Outcome int

const (
	Succeeded Outcome = iota + 1
	Failed
	// Abandoned means every attempt failed with a retryable error.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is the terminal state of one envelope. Index is the envelope's
// position in the batch passed to PublishBatch.
type Result struct {
	Index     int
	ID        string
	Timestamp time.Time
	Outcome   Outcome
	Attempts  int
	Err       error
}

func (r Result) Succeeded() bool {
	return r.Outcome == Succeeded
}

func outcomeOf(err error) Outcome {
	if err == nil {
		return Succeeded
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return Abandoned
	}

	return Failed
}
