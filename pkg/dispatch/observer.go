package dispatch

import (
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

// Report summarizes one finished cycle.
type Report struct {
	Cycle     uint64
	Program   string
	Status    tracker.Status
	Fetched   int
	Batches   int
	Published int
	// Previous is the watermark the cycle started from, zero when absent.
	Previous time.Time
	// Watermark is the watermark written by the cycle, zero when unchanged.
	Watermark time.Time
	Started   time.Time
	Duration  time.Duration
	Err       error
}

// Advanced reports whether the cycle moved the watermark forward.
func (r Report) Advanced() bool {
	return !r.Watermark.IsZero() && r.Watermark.After(r.Previous)
}

// Observer is notified about state changes and finished cycles. It is
// called from the dispatch loop and must not block.
type Observer interface {
	StateChanged(program string, from, to State)
	CycleFinished(r Report)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State, State) {}
func (nopObserver) CycleFinished(Report)              {}
