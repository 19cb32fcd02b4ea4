package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/txlog-dispatcher/pkg/dispatch"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

func TestCycleFinished(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry(), "orders")
	wm := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	m.CycleFinished(dispatch.Report{
		Status:    tracker.StatusSuccess,
		Fetched:   10,
		Published: 10,
		Watermark: wm,
		Duration:  time.Second,
	})

	m.CycleFinished(dispatch.Report{
		Status:    tracker.StatusFailed,
		Fetched:   5,
		Published: 2,
		Previous:  wm,
		Err:       errors.New("batch 1 failed"),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("FAILED")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.fetched))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.published))
	assert.Equal(t, float64(wm.Unix()), testutil.ToFloat64(m.watermark))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.trackingFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.cycleDuration))
}

func TestCycleFinished_TrackingWriteFailure(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry(), "orders")

	m.CycleFinished(dispatch.Report{
		Status:    tracker.StatusSuccess,
		Published: 3,
		Watermark: time.Now(),
		Err:       fmt.Errorf("%w: connection reset", dispatch.ErrTrackingWrite),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.trackingFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.watermark))
}

func TestStateChanged(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry(), "orders")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("IDLE")))

	m.StateChanged("orders", dispatch.StateIdle, dispatch.StateFetching)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("IDLE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("FETCHING")))
	assert.Equal(t, 6, testutil.CollectAndCount(m.state))
}

func TestPublisherHooks(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry(), "orders")
	errBus := errors.New("bus down")

	sender := eventbus.SenderFunc(func(_ context.Context, md *event.Metadata, _ []byte) error {
		if md.ID == "bad" {
			return eventbus.NewUnprocessableEventError(errBus)
		}

		return nil
	})

	p, err := eventbus.NewPublisher(sender,
		eventbus.WithPublisherInterceptor(m.PublisherInterceptor()),
		eventbus.WithResultHook(m.ObserveResult),
	)
	require.NoError(t, err)

	results := p.PublishBatch(context.Background(), []event.Envelope{
		{ID: "a", DataType: "TXLOG"},
		{ID: "b", DataType: "TXLOG"},
		{ID: "bad", DataType: "TXLOG"},
	})
	require.Len(t, results, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sendDuration))
}

func TestNew_RegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	New(reg, "orders")

	assert.Panics(t, func() { New(reg, "orders") })
}
