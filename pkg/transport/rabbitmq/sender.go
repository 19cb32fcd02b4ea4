package rabbitmq

import (
	"context"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

type senderOptions struct {
	marshaler Marshaler
}

func defaultSenderOptions() senderOptions {
	return senderOptions{
		marshaler: HeadersMarshaler{DeliveryMode: DeliveryModePersistent},
	}
}

type SenderOption func(opts *senderOptions)

func WithMarshaler(m Marshaler) SenderOption {
	return func(opts *senderOptions) {
		opts.marshaler = m
	}
}

// Sender publishes to the exchange named after the envelope's stream,
// routed by its subject.
type Sender struct {
	client  *Client
	options senderOptions
}

func NewSender(client *Client, opts ...SenderOption) *Sender {
	options := defaultSenderOptions()

	for _, opt := range opts {
		opt(&options)
	}

	return &Sender{
		client:  client,
		options: options,
	}
}

func (s *Sender) Send(ctx context.Context, md *event.Metadata, data []byte) error {
	publishing, err := s.options.marshaler.Marshal(md, data)
	if err != nil {
		return err
	}

	return s.client.Publish(ctx, md.Stream, md.Subject, publishing)
}

// Close closes the underlying client once in-flight publishes are confirmed.
func (s *Sender) Close() error {
	return s.client.Close()
}
