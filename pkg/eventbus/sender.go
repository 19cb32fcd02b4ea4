package eventbus

import (
	"context"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

// Sender delivers one encoded envelope and returns once the bus has
// acknowledged it. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, md *event.Metadata, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, md *event.Metadata, data []byte) error

func (f SenderFunc) Send(ctx context.Context, md *event.Metadata, data []byte) error {
	return f(ctx, md, data)
}
