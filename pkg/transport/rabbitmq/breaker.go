package rabbitmq

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the counts while closed; 0 never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

func (c *BreakerConfig) complete() {
	if c.Name == "" {
		c.Name = "rabbitmq"
	}

	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}

	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}

	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
}

// Breaker is a Limiter backed by a two-step circuit breaker. Only broker
// side failures count against it.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	cfg.complete()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

func (b *Breaker) Allow() (func(error), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, err
	}

	return func(err error) {
		done(!countsAsFailure(err))
	}, nil
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func countsAsFailure(err error) bool {
	return err != nil && IsRetryable(err)
}
