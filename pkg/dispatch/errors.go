package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

var (
	// ErrTrackingWrite is reported when events were handled but the run
	// could not be recorded. The next cycle starts from the previous
	// watermark and redelivers.
	ErrTrackingWrite = errors.New("dispatch: tracking store write failed")
	// ErrFetch wraps a failure to read the watermark or the records. It
	// aborts the cycle before anything is published.
	ErrFetch = errors.New("dispatch: fetching records failed")

	ErrInvalidBatchSize  = errors.New("dispatch: batch size must be positive")
	ErrInvalidMaxRecords = errors.New("dispatch: max records per run must be positive")
	ErrEmptyProgram      = errors.New("dispatch: program name must not be empty")
)

// BatchError describes the first batch of a cycle that was not fully
// delivered. Later batches of that cycle were not attempted.
type BatchError struct {
	// Batch is the zero-based batch index within the cycle.
	Batch int
	Size  int
	// Failed holds the results that did not succeed, in batch order.
	Failed []eventbus.Result
}

func (e *BatchError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "batch %d: %d of %d events not delivered", e.Batch, len(e.Failed), e.Size)

	for i, r := range e.Failed {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failed)-i)
			break
		}

		fmt.Fprintf(&b, "; record %s %s: %v", r.ID, r.Outcome, r.Err)
	}

	return b.String()
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))

	for _, r := range e.Failed {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}

	return errs
}
