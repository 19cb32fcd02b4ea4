package logging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

// PublisherInterceptor logs every failed send attempt at warn level and,
// when debug is enabled, every successful one.
func PublisherInterceptor(logger *zap.Logger) eventbus.PublisherInterceptor {
	return func(ctx context.Context, md *event.Metadata, data []byte, send eventbus.SendFn) error {
		start := time.Now()

		err := send(ctx, md, data)

		fields := []zap.Field{
			zap.String("record_id", md.ID),
			zap.String("trace_id", md.TraceID),
			zap.String("stream", md.Stream),
			zap.String("subject", md.Subject),
			zap.Int("size", len(data)),
			zap.Duration("took", time.Since(start)),
		}

		if err != nil {
			logger.Warn("send attempt failed", append(fields, zap.Error(err))...)

			return err
		}

		if ce := logger.Check(zap.DebugLevel, "event sent"); ce != nil {
			ce.Write(fields...)
		}

		return nil
	}
}
