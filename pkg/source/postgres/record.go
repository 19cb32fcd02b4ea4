package postgres

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

const (
	AttrCaseID         = "case_id"
	AttrEventTimestamp = "event_timestamp"
)

// toRecord maps a row to a record. JSON event data is kept raw so it is
// embedded as is; anything else travels as a string.
func (r row) toRecord() event.Record {
	rec := event.Record{
		ID:        r.ID,
		Timestamp: r.CreatedAt.UTC(),
		Payload:   payloadOf(r.EventData),
	}

	if r.EventType != nil {
		rec.Category = *r.EventType
	}

	attrs := make(map[string]any, 2)

	if r.CaseID != nil {
		attrs[AttrCaseID] = *r.CaseID
	}

	if r.EventTimestamp != nil {
		attrs[AttrEventTimestamp] = r.EventTimestamp.UTC().Format(time.RFC3339Nano)
	}

	if len(attrs) > 0 {
		rec.Attributes = attrs
	}

	return rec
}

func payloadOf(data []byte) any {
	if data == nil {
		return nil
	}

	if jsoniter.ConfigCompatibleWithStandardLibrary.Valid(data) {
		return jsoniter.RawMessage(append([]byte(nil), data...))
	}

	return string(data)
}
