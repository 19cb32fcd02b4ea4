package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

func openMem(t *testing.T, fs vfs.FS) *Store {
	t.Helper()

	s, err := Open("tracker", WithFS(fs))
	require.NoError(t, err)

	return s
}

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openMem(t, vfs.NewMem())
	t.Cleanup(func() { _ = s.Close() })

	_, ok, err := s.Program(ctx, "txlog")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Ensure(ctx, "txlog"))

	p, ok, err := s.Program(ctx, "txlog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tracker.StatusInitialized, p.Status)

	_, ok, err = s.Watermark(ctx, "txlog")
	require.NoError(t, err)
	assert.False(t, ok)

	wm := time.Date(2024, 3, 3, 3, 3, 3, 3000, time.UTC)
	require.NoError(t, s.SetWatermark(ctx, "txlog", tracker.Run{Watermark: wm, Status: tracker.StatusSuccess, Count: 4}))
	require.NoError(t, s.SetWatermark(ctx, "txlog", tracker.Run{Status: tracker.StatusFailed, Count: 1, Error: "nack"}))

	got, ok, err := s.Watermark(ctx, "txlog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(got))

	p, _, err = s.Program(ctx, "txlog")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusFailed, p.Status)
	assert.Equal(t, int64(5), p.RecordsProcessed)
	assert.Equal(t, "nack", p.ErrorMessage)

	require.NoError(t, s.Ensure(ctx, "txlog"))

	p, _, _ = s.Program(ctx, "txlog")
	assert.Equal(t, int64(5), p.RecordsProcessed)
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := vfs.NewMem()
	wm := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)

	s := openMem(t, fs)
	require.NoError(t, s.SetWatermark(ctx, "txlog", tracker.Run{Watermark: wm, Status: tracker.StatusSuccess}))
	require.NoError(t, s.Close())

	s = openMem(t, fs)
	t.Cleanup(func() { _ = s.Close() })

	got, ok, err := s.Watermark(ctx, "txlog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(got))
}

func TestStore_EmptyName(t *testing.T) {
	t.Parallel()

	s := openMem(t, vfs.NewMem())
	t.Cleanup(func() { _ = s.Close() })

	require.ErrorIs(t, s.Ensure(context.Background(), ""), tracker.ErrEmptyName)
	require.ErrorIs(t, s.SetWatermark(context.Background(), "", tracker.Run{}), tracker.ErrEmptyName)
}

func TestStore_RepeatedRunAppliedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openMem(t, vfs.NewMem())
	t.Cleanup(func() { _ = s.Close() })

	run := tracker.Run{ID: "run-1", Watermark: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), Status: tracker.StatusSuccess, Count: 3}
	require.NoError(t, s.SetWatermark(ctx, "txlog", run))
	require.NoError(t, s.SetWatermark(ctx, "txlog", run))

	p, ok, err := s.Program(ctx, "txlog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), p.RecordsProcessed)
	assert.Equal(t, "run-1", p.LastRunID)
}

func TestStore_CorruptValue(t *testing.T) {
	t.Parallel()

	s := openMem(t, vfs.NewMem())
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.db.Set(keyFor("txlog"), []byte("{not json"), pebble.Sync))

	_, _, err := s.Watermark(context.Background(), "txlog")
	require.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(errors.New("disk busy")))
	assert.False(t, IsRetryable(tracker.ErrEmptyName))
}
