package tracker

import (
	"context"
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
)

type retryingStore struct {
	Store
	retrier *retry.Retrier
}

// WithRetry wraps every call of s in r.
func WithRetry(s Store, r *retry.Retrier) Store {
	return &retryingStore{Store: s, retrier: r}
}

func (s *retryingStore) Watermark(ctx context.Context, name string) (wm time.Time, ok bool, err error) {
	err = s.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		wm, ok, err = s.Store.Watermark(ctx, name)
		return err
	})

	return wm, ok, err
}

func (s *retryingStore) SetWatermark(ctx context.Context, name string, run Run) error {
	return s.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		return s.Store.SetWatermark(ctx, name, run)
	})
}

func (s *retryingStore) Ensure(ctx context.Context, name string) error {
	return s.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		return s.Store.Ensure(ctx, name)
	})
}

func (s *retryingStore) Program(ctx context.Context, name string) (p Program, ok bool, err error) {
	err = s.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		p, ok, err = s.Store.Program(ctx, name)
		return err
	})

	return p, ok, err
}
