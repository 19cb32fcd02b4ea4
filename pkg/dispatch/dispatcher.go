// Package dispatch moves transaction log records onto the bus one cycle at
// a time and advances the watermark only as far as delivery is confirmed.
package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
	"github.com/quarks-tech/txlog-dispatcher/pkg/source"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultFailurePause = 5 * time.Second

	tracerName = "github.com/quarks-tech/txlog-dispatcher/pkg/dispatch"
)

// Publisher delivers one batch and reports one result per envelope in
// input order.
type Publisher interface {
	PublishBatch(ctx context.Context, envs []event.Envelope) []eventbus.Result
}

type Formatter interface {
	FormatAll(records []event.Record) []event.Envelope
}

// Config holds the per-cycle limits.
type Config struct {
	Program    string
	BatchSize  int
	MaxRecords int
}

func (c Config) Validate() error {
	var errs []error

	if c.Program == "" {
		errs = append(errs, ErrEmptyProgram)
	}

	if c.BatchSize <= 0 {
		errs = append(errs, ErrInvalidBatchSize)
	}

	if c.MaxRecords <= 0 {
		errs = append(errs, ErrInvalidMaxRecords)
	}

	return errors.Join(errs...)
}

type options struct {
	logger       *zap.Logger
	observer     Observer
	tracer       trace.Tracer
	now          func() time.Time
	pollInterval time.Duration
	failurePause time.Duration
}

type Option func(o *options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTracerProvider enables cycle spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPollInterval sets the wait after a successful cycle.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithFailurePause sets the wait after a failed cycle.
func WithFailurePause(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.failurePause = d
		}
	}
}

// Dispatcher owns the source reader, the publisher and the tracker for the
// lifetime of the process. Cycles never overlap.
type Dispatcher struct {
	config    Config
	reader    source.Reader
	tracker   tracker.Tracker
	formatter Formatter
	publisher Publisher
	options   options

	cycleMu sync.Mutex
	state   atomic.Int32
	cycles  atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config, reader source.Reader, tr tracker.Tracker, f Formatter, p Publisher, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if reader == nil || tr == nil || f == nil || p == nil {
		return nil, errors.New("dispatch: reader, tracker, formatter and publisher are required")
	}

	o := options{
		logger:       zap.NewNop(),
		observer:     nopObserver{},
		tracer:       noop.NewTracerProvider().Tracer(tracerName),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		failurePause: DefaultFailurePause,
	}

	for _, opt := range opts {
		opt(&o)
	}

	o.logger = o.logger.With(zap.String("program", cfg.Program))

	return &Dispatcher{
		config:    cfg,
		reader:    reader,
		tracker:   tr,
		formatter: f,
		publisher: p,
		options:   o,
		stopCh:    make(chan struct{}),
	}, nil
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(to State) {
	from := State(d.state.Swap(int32(to)))
	if from != to {
		d.options.observer.StateChanged(d.config.Program, from, to)
	}
}

// Run starts a cycle immediately and then one after every wait until ctx
// is done or Stop is called. A cycle in progress always completes; it runs
// on a context that is not canceled with ctx. Run returns nil on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	cycleCtx := context.WithoutCancel(ctx)

	d.options.logger.Info("dispatcher started",
		zap.Int("batch_size", d.config.BatchSize),
		zap.Int("max_records", d.config.MaxRecords),
		zap.Duration("poll_interval", d.options.pollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.options.logger.Info("dispatcher stopping", zap.Error(ctx.Err()))
			return nil
		case <-d.stopCh:
			d.options.logger.Info("dispatcher stopping")
			return nil
		case <-timer.C:
		}

		// Shutdown requested while the timer fired takes precedence.
		if d.stopping(ctx) {
			return nil
		}

		wait := d.options.pollInterval

		if _, err := d.RunCycle(cycleCtx); err != nil {
			wait = d.options.failurePause
		}

		timer.Reset(wait)
	}
}

func (d *Dispatcher) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// Stop prevents new cycles from starting. It does not interrupt a cycle
// in progress.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Close stops the loop, waits for a running cycle and then releases the
// publisher, the reader and the tracker in that order.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}

	d.closeOnce.Do(func() {
		d.Stop()

		d.cycleMu.Lock()
		defer d.cycleMu.Unlock()

		var errs []error

		for _, c := range []any{d.publisher, d.reader, d.tracker} {
			if closer, ok := c.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}

		d.closeErr = errors.Join(errs...)
	})

	return d.closeErr
}
