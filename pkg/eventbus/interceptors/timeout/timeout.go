package timeout

import (
	"context"
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

// PublisherInterceptor bounds each send attempt, acknowledgment included.
// A zero or negative timeout leaves the attempt unbounded.
func PublisherInterceptor(timeout time.Duration) eventbus.PublisherInterceptor {
	return func(ctx context.Context, md *event.Metadata, data []byte, send eventbus.SendFn) error {
		if timeout <= 0 {
			return send(ctx, md, data)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return send(ctx, md, data)
	}
}
