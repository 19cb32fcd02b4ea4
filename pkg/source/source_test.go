package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/txlog-dispatcher/pkg/backoff"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
)

type flakyReader struct {
	failures int
	calls    int
	closed   bool
}

var errConn = errors.New("connection refused")

func (r *flakyReader) FetchSince(_ context.Context, wm time.Time, limit int) ([]event.Record, error) {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return nil, errConn
	}

	return []event.Record{{ID: "1", Timestamp: wm.Add(time.Second)}}, nil
}

func (r *flakyReader) Close() error {
	r.closed = true
	return nil
}

func newRetrier(t *testing.T, maxRetries int) *retry.Retrier {
	t.Helper()

	policy, err := backoff.New(backoff.Config{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1})
	require.NoError(t, err)

	r, err := retry.New(policy, maxRetries)
	require.NoError(t, err)

	return r
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	inner := &flakyReader{failures: 2}
	r := WithRetry(inner, newRetrier(t, 3))

	records, err := r.FetchSince(context.Background(), time.Unix(0, 0), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 3, inner.calls)

	require.NoError(t, r.(interface{ Close() error }).Close())
	assert.True(t, inner.closed)
}

func TestWithRetry_Exhausted(t *testing.T) {
	t.Parallel()

	inner := &flakyReader{failures: 10}
	r := WithRetry(inner, newRetrier(t, 1))

	records, err := r.FetchSince(context.Background(), time.Unix(0, 0), 10)
	require.ErrorIs(t, err, errConn)
	assert.Nil(t, records)
	assert.Equal(t, 2, inner.calls)
}
