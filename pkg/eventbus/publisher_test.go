package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/txlog-dispatcher/pkg/backoff"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
)

var errUnavailable = errors.New("bus unavailable")

type recordingSender struct {
	mu    sync.Mutex
	calls map[string]int
	md    []*event.Metadata
	fn    func(ctx context.Context, md *event.Metadata, attempt int) error
	close atomic.Int32
}

func newRecordingSender(fn func(ctx context.Context, md *event.Metadata, attempt int) error) *recordingSender {
	return &recordingSender{calls: map[string]int{}, fn: fn}
}

func (s *recordingSender) Send(ctx context.Context, md *event.Metadata, _ []byte) error {
	s.mu.Lock()
	attempt := s.calls[md.ID]
	s.calls[md.ID]++
	s.md = append(s.md, md)
	s.mu.Unlock()

	if s.fn == nil {
		return nil
	}

	return s.fn(ctx, md, attempt)
}

func (s *recordingSender) Close() error {
	s.close.Add(1)
	return nil
}

func (s *recordingSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.md)
}

func (s *recordingSender) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[id]
}

func newRetrier(t *testing.T, maxRetries int) *retry.Retrier {
	t.Helper()

	policy, err := backoff.New(backoff.Config{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2})
	require.NoError(t, err)

	r, err := retry.New(policy, maxRetries)
	require.NoError(t, err)

	return r
}

func envelopes(ids ...string) []event.Envelope {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]event.Envelope, len(ids))

	for i, id := range ids {
		out[i] = event.Envelope{
			ID:        id,
			DataType:  "TXLOG",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   map[string]any{"n": i},
		}
	}

	return out
}

func TestPublishBatch_AllSucceed(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(nil)

	p, err := NewPublisher(sender, WithRetrier(newRetrier(t, 3)), WithDestination("S", "s.events"))
	require.NoError(t, err)

	envs := envelopes("1", "2", "3")
	results := p.PublishBatch(context.Background(), envs)

	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, envs[i].ID, r.ID)
		assert.Equal(t, envs[i].Timestamp, r.Timestamp)
		assert.Equal(t, Succeeded, r.Outcome)
		assert.Equal(t, 1, r.Attempts)
		assert.NoError(t, r.Err)
	}

	require.Equal(t, 3, sender.total())

	for _, md := range sender.md {
		assert.Equal(t, "S", md.Stream)
		assert.Equal(t, "s.events", md.Subject)
		assert.Equal(t, "TXLOG", md.Type)
		assert.Equal(t, "application/json", md.DataContentType)
	}
}

func TestPublishBatch_Empty(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(nil)

	p, err := NewPublisher(sender)
	require.NoError(t, err)

	assert.Empty(t, p.PublishBatch(context.Background(), nil))
	assert.Equal(t, 0, sender.total())
}

func TestPublishBatch_SerializationFailureSendsNothing(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(nil)

	var hooked []Result

	p, err := NewPublisher(sender,
		WithRetrier(newRetrier(t, 3)),
		WithResultHook(func(r Result) { hooked = append(hooked, r) }),
	)
	require.NoError(t, err)

	envs := envelopes("1", "2", "3", "4", "5")
	envs[2].Payload = make(chan int)

	results := p.PublishBatch(context.Background(), envs)

	require.Len(t, results, 5)
	assert.Equal(t, 0, sender.total())

	for i, r := range results {
		assert.Equal(t, Failed, r.Outcome, "envelope %d", i)
		assert.Equal(t, 0, r.Attempts)

		if i == 2 {
			assert.True(t, IsUnprocessableEventError(r.Err))
			assert.NotErrorIs(t, r.Err, ErrBatchAborted)

			continue
		}

		assert.ErrorIs(t, r.Err, ErrBatchAborted)
	}

	assert.Len(t, hooked, 5)
}

func TestPublishBatch_ConcurrencyIndependence(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(func(ctx context.Context, md *event.Metadata, _ int) error {
		if md.ID == "1" {
			time.Sleep(20 * time.Millisecond)
			return errUnavailable
		}

		return nil
	})

	var (
		mu    sync.Mutex
		order []string
	)

	p, err := NewPublisher(sender,
		WithRetrier(newRetrier(t, 3)),
		WithResultHook(func(r Result) {
			mu.Lock()
			order = append(order, r.ID)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	results := p.PublishBatch(context.Background(), envelopes("0", "1", "2", "3"))

	require.Len(t, results, 4)
	assert.Equal(t, Succeeded, results[0].Outcome)
	assert.Equal(t, Abandoned, results[1].Outcome)
	assert.Equal(t, Succeeded, results[2].Outcome)
	assert.Equal(t, Succeeded, results[3].Outcome)

	assert.Equal(t, 4, results[1].Attempts)
	assert.Equal(t, 4, sender.callsFor("1"))
	assert.ErrorIs(t, results[1].Err, errUnavailable)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, results[1].Err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)

	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"0", "2", "3"}, order[:3])
	assert.Equal(t, "1", order[3])
}

func TestPublishBatch_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(func(_ context.Context, md *event.Metadata, attempt int) error {
		if md.ID == "2" && attempt < 2 {
			return errUnavailable
		}

		return nil
	})

	p, err := NewPublisher(sender, WithRetrier(newRetrier(t, 3)))
	require.NoError(t, err)

	results := p.PublishBatch(context.Background(), envelopes("1", "2"))

	assert.Equal(t, Succeeded, results[1].Outcome)
	assert.Equal(t, 3, results[1].Attempts)
}

func TestPublishBatch_UnprocessableFromSenderIsNotRetried(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(func(context.Context, *event.Metadata, int) error {
		return NewUnprocessableEventError(errors.New("message too large"))
	})

	p, err := NewPublisher(sender, WithRetrier(newRetrier(t, 3)))
	require.NoError(t, err)

	res := p.PublishOne(context.Background(), &envelopes("1")[0])

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, IsUnprocessableEventError(res.Err))
}

func TestPublishOne(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(nil)

	var hooked atomic.Int32

	p, err := NewPublisher(sender, WithResultHook(func(Result) { hooked.Add(1) }))
	require.NoError(t, err)

	env := envelopes("9")[0]
	res := p.PublishOne(context.Background(), &env)

	assert.True(t, res.Succeeded())
	assert.Equal(t, "9", res.ID)
	assert.Equal(t, 1, sender.total())
	assert.Equal(t, int32(1), hooked.Load())

	env.Payload = func() {}
	res = p.PublishOne(context.Background(), &env)

	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, IsUnprocessableEventError(res.Err))
	assert.Equal(t, 1, sender.total())
}

func TestPublisher_Interceptors(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender(nil)

	var calls []string

	mk := func(name string) PublisherInterceptor {
		return func(ctx context.Context, md *event.Metadata, data []byte, send SendFn) error {
			calls = append(calls, name)
			return send(ctx, md, data)
		}
	}

	p, err := NewPublisher(sender,
		WithChainPublisherInterceptor(mk("b"), mk("c")),
		WithPublisherInterceptor(mk("a")),
	)
	require.NoError(t, err)

	res := p.PublishOne(context.Background(), &envelopes("1")[0])

	require.True(t, res.Succeeded())
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	sender := newRecordingSender(func(context.Context, *event.Metadata, int) error {
		started <- struct{}{}
		<-release

		return nil
	})

	p, err := NewPublisher(sender)
	require.NoError(t, err)

	published := make(chan Result, 1)
	go func() {
		published <- p.PublishOne(context.Background(), &envelopes("1")[0])
	}()

	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a send was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	require.NoError(t, <-closed)
	assert.True(t, (<-published).Succeeded())
	assert.Equal(t, int32(1), sender.close.Load())

	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), sender.close.Load())

	res := p.PublishOne(context.Background(), &envelopes("2")[0])
	assert.ErrorIs(t, res.Err, ErrPublisherClosed)

	results := p.PublishBatch(context.Background(), envelopes("3", "4"))
	for _, r := range results {
		assert.ErrorIs(t, r.Err, ErrPublisherClosed)
	}
}

func TestPublisher_CloseNil(t *testing.T) {
	t.Parallel()

	var p *Publisher
	assert.NoError(t, p.Close())
}

func TestNewPublisher_UnknownCodec(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(newRecordingSender(nil), WithCodec("avro"))
	require.Error(t, err)
}
