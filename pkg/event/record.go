package event

import "time"

// Record is one row read from the transaction log. It is never modified
// after the source returns it.
type Record struct {
	ID         string
	Timestamp  time.Time
	Payload    any
	Category   string
	Attributes map[string]any
}

// Envelope is a Record prepared for the bus. Its JSON form is the message
// body consumers receive.
type Envelope struct {
	ID          string         `json:"id"`
	DataType    string         `json:"data_type"`
	EventType   string         `json:"event_type"`
	TraceID     string         `json:"trace_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     any            `json:"payload"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	FormattedAt time.Time      `json:"formatted_at"`
}

func (e *Envelope) Record() Record {
	return Record{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Payload:    e.Payload,
		Category:   e.EventType,
		Attributes: e.Attributes,
	}
}
