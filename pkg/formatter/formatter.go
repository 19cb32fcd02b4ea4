// Package formatter turns source records into bus envelopes.
package formatter

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

const DefaultDataType = "TXLOG"

var ErrEmptyDataType = errors.New("formatter: data type must not be empty")

type options struct {
	addTraceID bool
	now        func() time.Time
	newTraceID func() string
}

type Option func(o *options)

// WithTraceID toggles the per-envelope correlation id. Enabled by default.
func WithTraceID(enabled bool) Option {
	return func(o *options) {
		o.addTraceID = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func withTraceIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newTraceID = fn
	}
}

// Formatter is stateless apart from its configuration and safe for
// concurrent use.
type Formatter struct {
	dataType string
	options  options
}

func New(dataType string, opts ...Option) (*Formatter, error) {
	if dataType == "" {
		return nil, ErrEmptyDataType
	}

	o := options{
		addTraceID: true,
		now:        time.Now,
		newTraceID: func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(&o)
	}

	return &Formatter{dataType: dataType, options: o}, nil
}

func (f *Formatter) DataType() string {
	return f.dataType
}

func (f *Formatter) Format(r event.Record) event.Envelope {
	env := event.Envelope{
		ID:          r.ID,
		DataType:    f.dataType,
		EventType:   r.Category,
		Timestamp:   r.Timestamp.UTC(),
		Payload:     r.Payload,
		Attributes:  formatAttributes(r.Attributes),
		FormattedAt: f.options.now().UTC(),
	}

	if f.options.addTraceID {
		env.TraceID = f.options.newTraceID()
	}

	return env
}

func (f *Formatter) FormatAll(records []event.Record) []event.Envelope {
	envelopes := make([]event.Envelope, len(records))
	for i := range records {
		envelopes[i] = f.Format(records[i])
	}

	return envelopes
}

// formatAttributes copies attrs, rendering timestamps as RFC 3339 in UTC so
// consumers see one format regardless of the source column type.
func formatAttributes(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}

	out := make(map[string]any, len(attrs))

	for k, v := range attrs {
		switch tv := v.(type) {
		case time.Time:
			out[k] = tv.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if tv == nil {
				out[k] = nil
			} else {
				out[k] = tv.UTC().Format(time.RFC3339Nano)
			}
		default:
			out[k] = v
		}
	}

	return out
}
