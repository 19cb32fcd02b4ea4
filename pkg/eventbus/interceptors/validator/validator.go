package validator

import (
	"context"
	"errors"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

var (
	ErrMissingID      = errors.New("event id is empty")
	ErrMissingType    = errors.New("event data type is empty")
	ErrMissingSubject = errors.New("event subject is empty")
	ErrEmptyBody      = errors.New("event body is empty")
)

func validate(md *event.Metadata, data []byte) error {
	switch {
	case md.ID == "":
		return ErrMissingID
	case md.Type == "":
		return ErrMissingType
	case md.Subject == "":
		return ErrMissingSubject
	case len(data) == 0:
		return ErrEmptyBody
	}

	return nil
}

// PublisherInterceptor rejects envelopes that no bus would route, without
// spending the retry budget on them.
func PublisherInterceptor() eventbus.PublisherInterceptor {
	return func(ctx context.Context, md *event.Metadata, data []byte, send eventbus.SendFn) error {
		if err := validate(md, data); err != nil {
			return eventbus.NewUnprocessableEventError(err)
		}

		return send(ctx, md, data)
	}
}
