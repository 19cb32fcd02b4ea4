// Package backoff computes the wait between retry attempts.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultInitial    = time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
)

var (
	ErrInvalidInitial    = errors.New("backoff: initial backoff must be positive")
	ErrInvalidMultiplier = errors.New("backoff: multiplier must be >= 1")
	ErrInvalidMax        = errors.New("backoff: max backoff must be >= initial backoff")
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultConfig() Config {
	return Config{
		Initial:    DefaultInitial,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
	}
}

func (c Config) validate() error {
	if c.Initial <= 0 {
		return fmt.Errorf("%w, got %s", ErrInvalidInitial, c.Initial)
	}

	if c.Multiplier < 1 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) {
		return fmt.Errorf("%w, got %v", ErrInvalidMultiplier, c.Multiplier)
	}

	if c.Max < c.Initial {
		return fmt.Errorf("%w, got max %s initial %s", ErrInvalidMax, c.Max, c.Initial)
	}

	return nil
}

// Policy is an exponential backoff capped at a maximum. It holds no
// mutable state and is safe for concurrent use.
type Policy struct {
	cfg Config
}

// New validates cfg and returns the policy. Invalid configuration is
// rejected here rather than on first use.
func New(cfg Config) (*Policy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Policy{cfg: cfg}, nil
}

// Duration returns min(max, initial * multiplier^attempt). Negative
// attempts are treated as 0.
func (p *Policy) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.cfg.Initial) * math.Pow(p.cfg.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.cfg.Max) {
		return p.cfg.Max
	}

	return time.Duration(d)
}

func (p *Policy) Config() Config {
	return p.cfg
}
