package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/internal/config"
	"github.com/quarks-tech/txlog-dispatcher/internal/metrics"
	"github.com/quarks-tech/txlog-dispatcher/pkg/backoff"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus/interceptors/recovery"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus/interceptors/timeout"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus/interceptors/validator"
	"github.com/quarks-tech/txlog-dispatcher/pkg/interceptor/idempotency"
	"github.com/quarks-tech/txlog-dispatcher/pkg/interceptor/logging"
	"github.com/quarks-tech/txlog-dispatcher/pkg/retry"
	"github.com/quarks-tech/txlog-dispatcher/pkg/source"
	"github.com/quarks-tech/txlog-dispatcher/pkg/source/postgres"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker/pebblestore"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker/sqlstore"
	"github.com/quarks-tech/txlog-dispatcher/pkg/transport/gochan"
	"github.com/quarks-tech/txlog-dispatcher/pkg/transport/kafka"
	"github.com/quarks-tech/txlog-dispatcher/pkg/transport/rabbitmq"
)

func newRetrier(cfg config.Retry, name string, classify retry.Classifier, logger *zap.Logger) (*retry.Retrier, error) {
	policy, err := backoff.New(cfg.Backoff())
	if err != nil {
		return nil, fmt.Errorf("%s retry: %w", name, err)
	}

	opts := []retry.Option{
		retry.WithLogger(logger),
		retry.WithName(name),
	}

	if classify != nil {
		opts = append(opts, retry.WithClassifier(classify))
	}

	return retry.New(policy, cfg.MaxRetries, opts...)
}

func openTracker(cfg *config.Config, logger *zap.Logger) (tracker.Store, error) {
	var (
		store    tracker.Store
		classify retry.Classifier
		err      error
	)

	tc := cfg.Tracker

	switch tc.Driver {
	case config.TrackerMySQL, config.TrackerPostgres:
		classify = sqlstore.IsRetryable
		store, err = sqlstore.Open(sqlstore.Config{
			Dialect:     tc.Driver,
			DSN:         tc.DSN,
			Table:       tc.Table,
			AutoMigrate: tc.AutoMigrate,
			PingTimeout: tc.PingTimeout,
		})
	case config.TrackerPebble:
		classify = pebblestore.IsRetryable
		store, err = pebblestore.Open(tc.PebbleDir)
	case config.TrackerMemory:
		logger.Warn("tracking in memory, progress is lost on restart")
		classify = tracker.IsRetryable
		store = tracker.NewMemoryStore()
	default:
		err = fmt.Errorf("unknown tracker driver %q", tc.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("opening tracker: %w", err)
	}

	retrier, err := newRetrier(tc.Retry, "tracker", classify, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return tracker.WithRetry(store, retrier), nil
}

func openSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (source.Reader, error) {
	retrier, err := newRetrier(cfg.Source.Retry, "fetch", postgres.IsRetryable, logger)
	if err != nil {
		return nil, err
	}

	reader, err := postgres.Connect(ctx, postgres.Config{
		DSN:         cfg.Source.DSN,
		Table:       cfg.Source.Table,
		PingTimeout: cfg.Source.PingTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}

	return source.WithRetry(reader, retrier), nil
}

// openSender returns the bus sender and its retry classifier. For the
// in-process transport it also returns the transport so the caller can
// drain it.
func openSender(cfg *config.Config, logger *zap.Logger) (eventbus.Sender, retry.Classifier, *gochan.Transport, error) {
	bc := cfg.Bus

	switch bc.Transport {
	case config.TransportRabbitMQ:
		rc := bc.RabbitMQ

		clientCfg := &rabbitmq.Config{
			URL:             rc.URL,
			Stream:          bc.Stream,
			Subject:         bc.Subject,
			DeclareTopology: !rc.SkipDeclare,
			DialTimeout:     rc.DialTimeout,
			ConfirmTimeout:  rc.ConfirmTimeout,
			Logger:          logger.Named("rabbitmq"),
		}

		if rc.BreakerFailures > 0 {
			clientCfg.Limiter = rabbitmq.NewBreaker(rabbitmq.BreakerConfig{
				Name:                "rabbitmq-publish",
				Timeout:             rc.BreakerTimeout,
				ConsecutiveFailures: rc.BreakerFailures,
			}, logger)
		}

		client, err := rabbitmq.Dial(clientCfg)
		if err != nil {
			return nil, nil, nil, err
		}

		return rabbitmq.NewSender(client), rabbitmq.IsRetryable, nil, nil

	case config.TransportKafka:
		sender, err := kafka.NewSender(kafka.Config{
			Brokers:                bc.Kafka.Brokers,
			WriteTimeout:           bc.Kafka.WriteTimeout,
			AllowAutoTopicCreation: bc.Kafka.AutoCreateTopic,
			Logger:                 logger.Named("kafka"),
		})
		if err != nil {
			return nil, nil, nil, err
		}

		return sender, kafka.IsRetryable, nil, nil

	case config.TransportGoChan:
		t := gochan.New(cfg.Dispatcher.BatchSize)

		return t, nil, t, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown bus transport %q", bc.Transport)
}

func newPublisher(cfg *config.Config, sender eventbus.Sender, classify retry.Classifier, m *metrics.Metrics, logger *zap.Logger) (*eventbus.Publisher, error) {
	retrier, err := newRetrier(cfg.Bus.Retry, "publish", classify, logger)
	if err != nil {
		return nil, err
	}

	chain := []eventbus.PublisherInterceptor{
		recovery.PublisherInterceptor(),
		validator.PublisherInterceptor(),
	}

	if cfg.Bus.DedupCapacity > 0 {
		chain = append(chain, idempotency.PublisherInterceptor(idempotency.NewMemoryStore(cfg.Bus.DedupCapacity)))
	}

	chain = append(chain,
		m.PublisherInterceptor(),
		logging.PublisherInterceptor(logger.Named("publish")),
	)

	if cfg.Bus.AttemptTimeout > 0 {
		chain = append(chain, timeout.PublisherInterceptor(cfg.Bus.AttemptTimeout))
	}

	return eventbus.NewPublisher(sender,
		eventbus.WithDestination(cfg.Bus.Stream, cfg.Bus.Subject),
		eventbus.WithRetrier(retrier),
		eventbus.WithResultHook(m.ObserveResult),
		eventbus.WithLogger(logger),
		eventbus.WithChainPublisherInterceptor(chain...),
	)
}

// drain consumes the in-process transport until it is closed.
func drain(t *gochan.Transport, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		for msg := range t.Messages() {
			logger.Debug("event delivered in process",
				zap.String("record_id", msg.Meta.ID),
				zap.String("subject", msg.Meta.Subject),
				zap.Time("timestamp", msg.Meta.Time),
				zap.Int("size", len(msg.Data)),
			)
		}
	}()

	return done
}

const shutdownTimeout = 10 * time.Second
