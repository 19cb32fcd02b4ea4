// Package tracker persists how far each named dispatcher has delivered and
// the outcome of its latest run.
package tracker

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

const MaxErrorLength = 500

var ErrEmptyName = errors.New("tracker: program name must not be empty")

type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
)

// Run is the outcome of one dispatch cycle. A zero Watermark leaves the
// stored watermark unchanged. A non-empty ID makes the write idempotent: a
// run with the ID of the last applied run is not applied again.
type Run struct {
	ID        string
	Watermark time.Time
	Status    Status
	Count     int
	Error     string
	At        time.Time
}

// Program is the stored bookkeeping row of one dispatcher.
type Program struct {
	Name               string
	LastSuccessfulTime time.Time
	LastRunTime        time.Time
	Status             Status
	RecordsProcessed   int64
	ErrorMessage       string
	LastRunID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Tracker is what a dispatch cycle needs: read the watermark at start,
// write the run once at the end.
type Tracker interface {
	Watermark(ctx context.Context, name string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, name string, run Run) error
}

// Store is a Tracker with program lifecycle operations.
type Store interface {
	Tracker
	// Ensure creates the program row in INITIALIZED state if it is missing.
	Ensure(ctx context.Context, name string) error
	Program(ctx context.Context, name string) (Program, bool, error)
	Close() error
}

// NewProgram is the row Ensure creates.
func NewProgram(name string, now time.Time) Program {
	return Program{
		Name:      name,
		Status:    StatusInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply merges run into p. The watermark never moves backwards, the
// processed counter accumulates, and the error text is cleared on success
// and truncated otherwise. A run already applied leaves p untouched.
func Apply(p Program, run Run, now time.Time) Program {
	if Applied(p, run) {
		return p
	}

	if run.At.IsZero() {
		run.At = now
	}

	if !run.Watermark.IsZero() && run.Watermark.After(p.LastSuccessfulTime) {
		p.LastSuccessfulTime = run.Watermark
	}

	p.LastRunTime = run.At
	p.Status = run.Status
	p.RecordsProcessed += int64(run.Count)
	p.LastRunID = run.ID

	if run.Status == StatusSuccess {
		p.ErrorMessage = ""
	} else {
		p.ErrorMessage = TruncateError(run.Error)
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	p.UpdatedAt = now

	return p
}

// Applied reports whether run is the last run merged into p.
func Applied(p Program, run Run) bool {
	return run.ID != "" && run.ID == p.LastRunID
}

// IsRetryable rejects failures no retry can fix: a missing program name
// and a canceled caller. Store classifiers build on it.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrEmptyName) && !errors.Is(err, context.Canceled)
}

// TruncateError cuts s to MaxErrorLength runes.
func TruncateError(s string) string {
	if utf8.RuneCountInString(s) <= MaxErrorLength {
		return s
	}

	return string([]rune(s)[:MaxErrorLength])
}
