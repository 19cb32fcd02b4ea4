package gochan

import (
	"context"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

type sender chan<- Message

func (s sender) Send(ctx context.Context, meta *event.Metadata, data []byte) error {
	if ctx == nil {
		return ErrNilContext
	} else if meta == nil {
		return ErrNilMetadata
	}

	m := Message{
		Meta: meta,
		Data: data,
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s <- m:
		return nil
	}
}
