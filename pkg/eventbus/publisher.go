package eventbus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/backoff"
	"github.com/quarks-tech/txlog-dispatcher/pkg/encoding"
	jsoncodec "github.com/quarks-tech/txlog-dispatcher/pkg/encoding/json"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
)

const (
	DefaultStream  = "TXLOG_STREAM"
	DefaultSubject = "txlog.events"

	defaultMaxRetries = 3
)

type publisherOptions struct {
	stream            string
	subject           string
	codec             string
	retrier           *retry.Retrier
	resultHook        func(Result)
	logger            *zap.Logger
	chainInterceptors []PublisherInterceptor
	interceptor       PublisherInterceptor
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{
		stream:  DefaultStream,
		subject: DefaultSubject,
		codec:   jsoncodec.Name,
		logger:  zap.NewNop(),
	}
}

type PublisherOption func(opts *publisherOptions)

// WithDestination sets the logical stream and the subject every envelope is
// published under.
func WithDestination(stream, subject string) PublisherOption {
	return func(opts *publisherOptions) {
		opts.stream = stream
		opts.subject = subject
	}
}

func WithCodec(name string) PublisherOption {
	return func(opts *publisherOptions) {
		opts.codec = name
	}
}

// WithRetrier sets the per-envelope retry strategy. Each envelope of a batch
// runs it independently.
func WithRetrier(r *retry.Retrier) PublisherOption {
	return func(opts *publisherOptions) {
		opts.retrier = r
	}
}

// WithResultHook registers fn to observe terminal results. For a batch fn
// runs on the caller's goroutine in completion order.
func WithResultHook(fn func(Result)) PublisherOption {
	return func(opts *publisherOptions) {
		opts.resultHook = fn
	}
}

func WithLogger(l *zap.Logger) PublisherOption {
	return func(opts *publisherOptions) {
		if l != nil {
			opts.logger = l
		}
	}
}

// Publisher serializes envelopes and hands them to a Sender, concurrently
// for batches. Close waits for every send still in flight.
type Publisher struct {
	sender      Sender
	codec       encoding.Codec
	contentType string
	options     publisherOptions

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewPublisher(sender Sender, opts ...PublisherOption) (*Publisher, error) {
	options := defaultPublisherOptions()

	for _, opt := range opts {
		opt(&options)
	}

	codec, err := encoding.GetCodec(options.codec)
	if err != nil {
		return nil, err
	}

	if options.retrier == nil {
		policy, err := backoff.New(backoff.DefaultConfig())
		if err != nil {
			return nil, err
		}

		options.retrier, err = retry.New(policy, defaultMaxRetries,
			retry.WithLogger(options.logger),
			retry.WithName("publish"),
		)
		if err != nil {
			return nil, err
		}
	}

	p := &Publisher{
		sender:      sender,
		codec:       codec,
		contentType: event.ContentType(codec.Name()),
		options:     options,
	}

	chainPublisherInterceptors(p)

	return p, nil
}

// PublishOne serializes env and sends it under the retry policy.
func (p *Publisher) PublishOne(ctx context.Context, env *event.Envelope) Result {
	var res Result

	data, err := p.encode(env)

	switch {
	case err != nil:
		res = failedResult(0, env, err)
	case !p.acquire(1):
		res = failedResult(0, env, ErrPublisherClosed)
	default:
		res = p.send(ctx, 0, env, data)
		p.inflight.Done()
	}

	if p.options.resultHook != nil {
		p.options.resultHook(res)
	}

	return res
}

// PublishBatch publishes envs concurrently and returns one result per
// envelope in input order. Every envelope is serialized before anything is
// sent; a single serialization failure fails the whole batch with no bus
// traffic. Otherwise each envelope gets its own goroutine and retry budget,
// and the call returns once all of them are terminal.
func (p *Publisher) PublishBatch(ctx context.Context, envs []event.Envelope) []Result {
	results := make([]Result, len(envs))
	if len(envs) == 0 {
		return results
	}

	payloads := make([][]byte, len(envs))
	aborted := false

	for i := range envs {
		data, err := p.encode(&envs[i])
		if err != nil {
			results[i] = failedResult(i, &envs[i], err)
			aborted = true

			p.options.logger.Error("envelope serialization failed",
				zap.String("record_id", envs[i].ID),
				zap.Int("index", i),
				zap.Error(err),
			)

			continue
		}

		payloads[i] = data
	}

	if aborted {
		return p.abort(envs, results, ErrBatchAborted)
	}

	if !p.acquire(len(envs)) {
		return p.abort(envs, results, ErrPublisherClosed)
	}

	done := make(chan int, len(envs))

	for i := range envs {
		go func(i int) {
			defer p.inflight.Done()

			results[i] = p.send(ctx, i, &envs[i], payloads[i])
			done <- i
		}(i)
	}

	for range envs {
		i := <-done
		if p.options.resultHook != nil {
			p.options.resultHook(results[i])
		}
	}

	return results
}

// abort fills every result not yet set with reason and reports them.
func (p *Publisher) abort(envs []event.Envelope, results []Result, reason error) []Result {
	for i := range results {
		if results[i].Outcome == 0 {
			results[i] = failedResult(i, &envs[i], reason)
		}

		if p.options.resultHook != nil {
			p.options.resultHook(results[i])
		}
	}

	p.options.logger.Warn("batch not sent",
		zap.Int("batch_size", len(envs)),
		zap.Error(reason),
	)

	return results
}

func (p *Publisher) encode(env *event.Envelope) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s codec panicked: %v", p.codec.Name(), r)
		}

		if err != nil {
			err = NewUnprocessableEventError(err)
		}
	}()

	return p.codec.Marshal(env)
}

func (p *Publisher) send(ctx context.Context, index int, env *event.Envelope, data []byte) Result {
	md := event.NewMetadata(env, p.options.stream, p.options.subject, p.contentType)
	attempts := 0

	err := p.options.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt + 1

		err := p.invoke(ctx, md, data)
		if err != nil && IsUnprocessableEventError(err) {
			return retry.Permanent(err)
		}

		return err
	})

	return Result{
		Index:     index,
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Outcome:   outcomeOf(err),
		Attempts:  attempts,
		Err:       err,
	}
}

func (p *Publisher) invoke(ctx context.Context, md *event.Metadata, data []byte) error {
	if p.options.interceptor != nil {
		return p.options.interceptor(ctx, md, data, p.sender.Send)
	}

	return p.sender.Send(ctx, md, data)
}

func (p *Publisher) acquire(n int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	p.inflight.Add(n)

	return true
}

// Close stops accepting new envelopes, waits for in-flight sends and then
// closes the sender if it holds resources. It is safe to call more than
// once and on a nil Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}

	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.inflight.Wait()

		if c, ok := p.sender.(io.Closer); ok {
			p.closeErr = c.Close()
		}
	})

	return p.closeErr
}

func failedResult(index int, env *event.Envelope, err error) Result {
	return Result{
		Index:     index,
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Outcome:   Failed,
		Err:       err,
	}
}
