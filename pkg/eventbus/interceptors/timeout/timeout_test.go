package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

func TestPublisherInterceptor(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context, _ *event.Metadata, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := PublisherInterceptor(5*time.Millisecond)(context.Background(), &event.Metadata{}, nil, blocking)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var hasDeadline bool

	_ = PublisherInterceptor(0)(context.Background(), &event.Metadata{}, nil,
		func(ctx context.Context, _ *event.Metadata, _ []byte) error {
			_, hasDeadline = ctx.Deadline()
			return nil
		})
	assert.False(t, hasDeadline)
}
