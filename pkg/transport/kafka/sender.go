// Package kafka publishes envelopes to Kafka. The stream maps to the topic
// and the subject travels as a header.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

const (
	headerSubject     = "subject"
	headerDataType    = "data_type"
	headerEventType   = "event_type"
	headerTraceID     = "trace_id"
	headerContentType = "content-type"
)

type Config struct {
	Brokers []string
	// WriteTimeout bounds one produce request.
	// Default is 10 seconds.
	WriteTimeout time.Duration
	// AllowAutoTopicCreation lets the broker create a missing topic.
	AllowAutoTopicCreation bool

	Logger *zap.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender writes one message per envelope and waits for all in-sync
// replicas. Retries are left to the caller.
type Sender struct {
	writer messageWriter
}

func NewSender(cfg Config) (*Sender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1,
		BatchTimeout:           10 * time.Millisecond,
		ReadTimeout:            cfg.WriteTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		Async:                  false,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			cfg.Logger.Sugar().Errorf(msg, args...)
		}),
	}

	return &Sender{writer: w}, nil
}

func (s *Sender) Send(ctx context.Context, md *event.Metadata, data []byte) error {
	if err := s.writer.WriteMessages(ctx, newMessage(md, data)); err != nil {
		return fmt.Errorf("kafka: writing %s to %s: %w", md.ID, md.Stream, err)
	}

	return nil
}

func (s *Sender) Close() error {
	return s.writer.Close()
}

func newMessage(md *event.Metadata, data []byte) kafka.Message {
	headers := []kafka.Header{
		{Key: headerSubject, Value: []byte(md.Subject)},
		{Key: headerDataType, Value: []byte(md.Type)},
		{Key: headerContentType, Value: []byte(md.DataContentType)},
	}

	if md.EventType != "" {
		headers = append(headers, kafka.Header{Key: headerEventType, Value: []byte(md.EventType)})
	}

	if md.TraceID != "" {
		headers = append(headers, kafka.Header{Key: headerTraceID, Value: []byte(md.TraceID)})
	}

	return kafka.Message{
		Topic:   md.Stream,
		Key:     []byte(md.ID),
		Value:   data,
		Headers: headers,
		Time:    md.Time,
	}
}

// IsRetryable reports whether a produce failure may succeed on another
// attempt: broker errors flagged temporary, network failures and timeouts.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
		return false
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && !IsRetryable(e) {
				return false
			}
		}

		return true
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		return kafkaErr.Temporary()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
