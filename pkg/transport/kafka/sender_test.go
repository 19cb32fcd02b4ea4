package kafka

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewSender_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewSender(Config{})
	require.Error(t, err)

	s, err := NewSender(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	s := &Sender{writer: w}

	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	md := &event.Metadata{
		ID:              "11",
		TraceID:         "tr",
		Type:            "TXLOG",
		EventType:       "UPDATED",
		Stream:          "TXLOG_STREAM",
		Subject:         "txlog.events",
		Time:            ts,
		DataContentType: "application/json",
	}

	require.NoError(t, s.Send(context.Background(), md, []byte(`{}`)))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "TXLOG_STREAM", msg.Topic)
	assert.Equal(t, []byte("11"), msg.Key)
	assert.Equal(t, []byte(`{}`), msg.Value)
	assert.Equal(t, ts, msg.Time)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	assert.Equal(t, map[string]string{
		headerSubject:     "txlog.events",
		headerDataType:    "TXLOG",
		headerContentType: "application/json",
		headerEventType:   "UPDATED",
		headerTraceID:     "tr",
	}, headers)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestSender_SendError(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{err: kafka.LeaderNotAvailable}
	s := &Sender{writer: w}

	err := s.Send(context.Background(), &event.Metadata{ID: "1", Stream: "t"}, nil)
	require.ErrorIs(t, err, kafka.LeaderNotAvailable)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", want: false},
		{name: "temporary broker error", err: kafka.NotEnoughReplicas, want: true},
		{name: "permanent broker error", err: kafka.MessageSizeTooLarge, want: false},
		{name: "write errors all temporary", err: kafka.WriteErrors{kafka.RequestTimedOut, nil}, want: true},
		{name: "write errors with permanent", err: kafka.WriteErrors{kafka.RequestTimedOut, kafka.InvalidTopic}, want: false},
		{name: "eof", err: io.EOF, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "writer closed", err: io.ErrClosedPipe, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
