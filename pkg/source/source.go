// Package source reads transaction log records in timestamp order.
package source

import (
	"context"
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
)

// Reader returns at most limit records with a timestamp strictly after
// watermark, oldest first.
type Reader interface {
	FetchSince(ctx context.Context, watermark time.Time, limit int) ([]event.Record, error)
}

type retryingReader struct {
	Reader
	retrier *retry.Retrier
}

// WithRetry wraps r so that every fetch runs under retrier.
func WithRetry(r Reader, retrier *retry.Retrier) Reader {
	return &retryingReader{Reader: r, retrier: retrier}
}

func (r *retryingReader) FetchSince(ctx context.Context, watermark time.Time, limit int) (records []event.Record, err error) {
	err = r.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		records, err = r.Reader.FetchSince(ctx, watermark, limit)
		return err
	})

	return records, err
}

// Close closes the wrapped reader when it holds resources.
func (r *retryingReader) Close() error {
	if c, ok := r.Reader.(interface{ Close() error }); ok {
		return c.Close()
	}

	return nil
}
