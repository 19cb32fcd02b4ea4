package event

import "time"

// Metadata travels next to the encoded envelope and is mapped by each
// transport onto its own headers.
type Metadata struct {
	ID              string
	TraceID         string
	Type            string
	EventType       string
	Stream          string
	Subject         string
	Time            time.Time
	DataContentType string
}

func NewMetadata(env *Envelope, stream, subject, contentType string) *Metadata {
	return &Metadata{
		ID:              env.ID,
		TraceID:         env.TraceID,
		Type:            env.DataType,
		EventType:       env.EventType,
		Stream:          stream,
		Subject:         subject,
		Time:            env.Timestamp,
		DataContentType: contentType,
	}
}
