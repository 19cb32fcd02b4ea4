package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

const (
	DeliveryModeTransient  = amqp.Transient
	DeliveryModePersistent = amqp.Persistent
)

const (
	headerDataType  = "txlog:data_type"
	headerEventType = "txlog:event_type"
	headerTraceID   = "txlog:trace_id"
	headerTime      = "txlog:time"
)

type Marshaler interface {
	Marshal(md *event.Metadata, data []byte) (amqp.Publishing, error)
}

// HeadersMarshaler carries the body untouched and copies the metadata into
// message properties and headers.
type HeadersMarshaler struct {
	DeliveryMode uint8
}

func (m HeadersMarshaler) Marshal(md *event.Metadata, data []byte) (amqp.Publishing, error) {
	return amqp.Publishing{
		MessageId:     md.ID,
		CorrelationId: md.TraceID,
		Type:          md.Type,
		ContentType:   md.DataContentType,
		Timestamp:     md.Time,
		DeliveryMode:  m.DeliveryMode,
		Headers:       marshalMetadata(md),
		Body:          data,
	}, nil
}

func marshalMetadata(md *event.Metadata) amqp.Table {
	headers := amqp.Table{
		headerDataType: md.Type,
	}

	if md.EventType != "" {
		headers[headerEventType] = md.EventType
	}

	if md.TraceID != "" {
		headers[headerTraceID] = md.TraceID
	}

	if !md.Time.IsZero() {
		headers[headerTime] = md.Time.UTC().Format(time.RFC3339Nano)
	}

	return headers
}
