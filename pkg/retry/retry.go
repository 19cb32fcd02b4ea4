// Package retry runs fallible operations under a backoff policy.
//
// A Retrier holds no per-call state, so the same value may be used from
// the calling goroutine or from many goroutines at once; running Do inside
// a goroutine is how concurrent callers get independent retry budgets.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/backoff"
)

// Operation is one attempt. attempt starts at 0.
type Operation func(ctx context.Context, attempt int) error

// Classifier reports whether err may succeed if the operation is repeated.
type Classifier func(err error) bool

type options struct {
	classifier Classifier
	logger     *zap.Logger
	name       string
	onRetry    func(attempt int, delay time.Duration, err error)
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(o *options)

// WithClassifier sets the retryable predicate. Errors wrapped by Permanent
// and failures after the caller's context is done are never retried.
func WithClassifier(c Classifier) Option {
	return func(o *options) {
		o.classifier = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName labels log lines, e.g. "publish" or "tracker.set_watermark".
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithOnRetry registers a hook invoked before each backoff wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

func defaultOptions() options {
	return options{
		classifier: func(error) bool { return true },
		logger:     zap.NewNop(),
		name:       "operation",
		sleep:      sleepWithContext,
	}
}

type Retrier struct {
	policy     *backoff.Policy
	maxRetries int
	options    options
}

// New returns a Retrier making at most maxRetries additional attempts after
// the first one. maxRetries of 0 disables retries.
func New(policy *backoff.Policy, maxRetries int, opts ...Option) (*Retrier, error) {
	if policy == nil {
		return nil, ErrNilPolicy
	}

	if maxRetries < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrNegativeRetries, maxRetries)
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Retrier{
		policy:     policy,
		maxRetries: maxRetries,
		options:    options,
	}, nil
}

func (r *Retrier) MaxRetries() int {
	return r.maxRetries
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. A spent budget yields *ExhaustedError wrapping the
// last failure. A non-retryable failure is returned as is.
func (r *Retrier) Do(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.policy.Duration(attempt - 1)

			if r.options.onRetry != nil {
				r.options.onRetry(attempt, delay, lastErr)
			}

			r.options.logger.Warn("retrying after failure",
				zap.String("operation", r.options.name),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.maxRetries+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)

			if err := r.options.sleep(ctx, delay); err != nil {
				return &InterruptedError{Attempts: attempt, Err: lastErr, Cause: err}
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}

		if !r.retryable(ctx, err) {
			return err
		}

		lastErr = err
	}

	r.options.logger.Error("retries exhausted",
		zap.String("operation", r.options.name),
		zap.Int("attempts", r.maxRetries+1),
		zap.Error(lastErr),
	)

	return &ExhaustedError{Attempts: r.maxRetries + 1, Err: lastErr}
}

// retryable treats a done caller context as terminal. A deadline that
// belongs to a single attempt is left to the classifier.
func (r *Retrier) retryable(ctx context.Context, err error) bool {
	if IsPermanent(err) || ctx.Err() != nil {
		return false
	}

	return r.options.classifier(err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
