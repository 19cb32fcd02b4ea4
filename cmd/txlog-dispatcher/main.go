// Command txlog-dispatcher publishes new transaction log records to the
// message bus and tracks its progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quarks-tech/txlog-dispatcher/internal/config"
	"github.com/quarks-tech/txlog-dispatcher/internal/logging"
	"github.com/quarks-tech/txlog-dispatcher/internal/metrics"
	"github.com/quarks-tech/txlog-dispatcher/pkg/dispatch"
	"github.com/quarks-tech/txlog-dispatcher/pkg/formatter"
	"github.com/quarks-tech/txlog-dispatcher/pkg/source"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	status := flag.Bool("status", false, "print the stored program status and exit")

	flag.Parse()

	if err := run(*configPath, *once, *status); err != nil {
		fmt.Fprintln(os.Stderr, "txlog-dispatcher:", err)
		os.Exit(1)
	}
}

func run(configPath string, once, status bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, _, err := logging.New(logging.Environment(cfg.Log.Environment), cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger = logger.With(zap.String("program", cfg.Dispatcher.Program))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openTracker(cfg, logger)
	if err != nil {
		return err
	}

	if status {
		defer store.Close()

		return printStatus(ctx, store, cfg.Dispatcher.Program)
	}

	if err = store.Ensure(ctx, cfg.Dispatcher.Program); err != nil {
		_ = store.Close()
		return fmt.Errorf("initializing program: %w", err)
	}

	reader, err := openSource(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	d, drained, err := newDispatcher(cfg, reader, store, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("closing dispatcher", zap.Error(err))
		}

		if drained != nil {
			<-drained
		}

		logger.Info("dispatcher closed")
	}()

	if once {
		report, err := d.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("cycle %d %s: %w", report.Cycle, report.Status, err)
		}

		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx)
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsHandler(cfg.Dispatcher.Program, d)}

		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

var registry = prometheus.NewRegistry()

// newDispatcher takes ownership of reader. It is closed when construction
// fails, and by the dispatcher otherwise.
func newDispatcher(cfg *config.Config, reader source.Reader, store tracker.Store, logger *zap.Logger) (*dispatch.Dispatcher, <-chan struct{}, error) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New(registry, cfg.Dispatcher.Program)

	sender, classify, inProcess, err := openSender(cfg, logger)
	if err != nil {
		closeQuietly(reader)
		return nil, nil, fmt.Errorf("opening bus: %w", err)
	}

	var drained <-chan struct{}
	if inProcess != nil {
		drained = drain(inProcess, logger.Named("gochan"))
	}

	publisher, err := newPublisher(cfg, sender, classify, m, logger)
	if err != nil {
		closeQuietly(sender)
		closeQuietly(reader)
		return nil, nil, err
	}

	fmtr, err := formatter.New(cfg.Dispatcher.DataType, formatter.WithTraceID(!cfg.Dispatcher.OmitTraceID))
	if err != nil {
		_ = publisher.Close()
		closeQuietly(reader)

		return nil, nil, err
	}

	d, err := dispatch.New(dispatch.Config{
		Program:    cfg.Dispatcher.Program,
		BatchSize:  cfg.Dispatcher.BatchSize,
		MaxRecords: cfg.Dispatcher.MaxRecords,
	}, reader, store, fmtr, publisher,
		dispatch.WithLogger(logger),
		dispatch.WithObserver(m),
		dispatch.WithTracerProvider(otel.GetTracerProvider()),
		dispatch.WithPollInterval(cfg.Dispatcher.PollInterval),
		dispatch.WithFailurePause(cfg.Dispatcher.FailurePause),
	)
	if err != nil {
		_ = publisher.Close()
		closeQuietly(reader)

		return nil, nil, err
	}

	return d, drained, nil
}

func metricsHandler(program string, d *dispatch.Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = jsoniter.NewEncoder(w).Encode(map[string]string{
			"program": program,
			"state":   d.State().String(),
		})
	})

	return mux
}

func printStatus(ctx context.Context, store tracker.Store, program string) error {
	p, ok, err := store.Program(ctx, program)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("program %s is not initialized", program)
	}

	out, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
