package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/internal/config"
	"github.com/quarks-tech/txlog-dispatcher/internal/metrics"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Bus.Transport = config.TransportGoChan
	cfg.Bus.Retry.Initial = time.Millisecond
	cfg.Bus.Retry.Max = time.Millisecond
	cfg.Tracker.Driver = config.TrackerMemory

	return cfg
}

func TestOpenTracker(t *testing.T) {
	cfg := testConfig(t)

	store, err := openTracker(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, store.Ensure(ctx, "p"))

	p, ok, err := store.Program(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tracker.StatusInitialized, p.Status)
	require.NoError(t, store.Close())

	cfg.Tracker.Driver = config.TrackerPebble
	cfg.Tracker.PebbleDir = t.TempDir()

	store, err = openTracker(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestPublisherOverInProcessTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.DedupCapacity = 10

	sender, classify, inProcess, err := openSender(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, inProcess)
	assert.Nil(t, classify)

	done := drain(inProcess, zap.NewNop())

	m := metrics.New(prometheus.NewRegistry(), cfg.Dispatcher.Program)

	p, err := newPublisher(cfg, sender, classify, m, zap.NewNop())
	require.NoError(t, err)

	envs := []event.Envelope{
		{ID: "1", DataType: "TXLOG", Timestamp: time.Now()},
		{ID: "2", DataType: "TXLOG", Timestamp: time.Now()},
	}

	for _, r := range p.PublishBatch(context.Background(), envs) {
		assert.True(t, r.Succeeded(), r.ID)
	}

	// Already acknowledged ids are skipped rather than sent twice.
	for _, r := range p.PublishBatch(context.Background(), envs) {
		assert.True(t, r.Succeeded(), r.ID)
	}

	require.NoError(t, p.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish after close")
	}
}

func TestNewRetrier_InvalidBackoff(t *testing.T) {
	_, err := newRetrier(config.Retry{MaxRetries: 1, Initial: time.Second, Max: time.Millisecond, Multiplier: 2}, "publish", nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish retry")
}
