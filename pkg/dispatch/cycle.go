package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

// epoch is where a program without a stored watermark starts.
var epoch = time.Unix(0, 0).UTC()

// RunCycle runs one full cycle: read the watermark, fetch, publish batch by
// batch, and record the run. Cancellation of ctx does not interrupt the
// cycle. The returned error is nil only for a successful cycle whose run
// was recorded.
func (d *Dispatcher) RunCycle(ctx context.Context) (Report, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	report := Report{
		Cycle:   d.cycles.Add(1),
		Program: d.config.Program,
		Started: d.options.now(),
	}

	logger := d.options.logger.With(zap.Uint64("cycle", report.Cycle))

	ctx, span := d.options.tracer.Start(ctx, "dispatch.cycle", trace.WithAttributes(
		attribute.String("txlog.program", d.config.Program),
		attribute.Int64("txlog.cycle", int64(report.Cycle)),
	))
	defer span.End()

	defer func() {
		d.setState(StateIdle)

		report.Duration = d.options.now().Sub(report.Started)
		d.options.observer.CycleFinished(report)

		if report.Err != nil {
			span.RecordError(report.Err)
			span.SetStatus(codes.Error, report.Err.Error())
		}

		span.SetAttributes(
			attribute.String("txlog.status", string(report.Status)),
			attribute.Int("txlog.fetched", report.Fetched),
			attribute.Int("txlog.published", report.Published),
		)
	}()

	d.setState(StateFetching)

	current, fetched, err := d.fetch(ctx)
	records := fetched[:min(len(fetched), d.config.MaxRecords)]
	report.Previous = current
	report.Fetched = len(records)

	if err != nil {
		logger.Error("fetch failed, cycle aborted", zap.Error(err))

		report.Status = tracker.StatusFailed
		report.Err = d.record(ctx, logger, tracker.Run{Status: tracker.StatusFailed, Error: err.Error()}, err)

		return report, report.Err
	}

	if len(records) == 0 {
		logger.Debug("no new records")

		report.Status = tracker.StatusSuccess
		report.Err = d.record(ctx, logger, tracker.Run{Status: tracker.StatusSuccess}, nil)

		return report, report.Err
	}

	confirmed, batches, batchErr := d.publish(ctx, logger, records)
	report.Batches = batches
	report.Published = confirmed

	next := safeWatermark(current, fetched, confirmed)

	// A full page whose records all share the timestamp of the record past
	// the limit can never advance on its own.
	if confirmed == len(records) && len(fetched) > len(records) && !next.After(current) {
		next = records[len(records)-1].Timestamp

		logger.Warn("page holds a single timestamp that continues past it, advancing anyway; later records with this timestamp are skipped, raise max records per run",
			zap.Int("max_records", d.config.MaxRecords),
			zap.Time("timestamp", next),
		)
	}

	run := tracker.Run{Count: confirmed}
	if next.After(current) {
		run.Watermark = next
		report.Watermark = next
	}

	if batchErr != nil {
		d.setState(StateReportingPartial)

		logger.Warn("cycle stopped at failing batch",
			zap.Int("published", confirmed),
			zap.Int("fetched", len(records)),
			zap.Time("watermark", next),
			zap.Error(batchErr),
		)

		run.Status = tracker.StatusFailed
		run.Error = batchErr.Error()
		report.Status = tracker.StatusFailed
		report.Err = d.record(ctx, logger, run, batchErr)

		return report, report.Err
	}

	d.setState(StateAdvancing)

	run.Status = tracker.StatusSuccess
	report.Status = tracker.StatusSuccess
	report.Err = d.record(ctx, logger, run, nil)

	if report.Err == nil {
		logger.Info("cycle completed",
			zap.Int("published", confirmed),
			zap.Int("batches", batches),
			zap.Time("watermark", next),
		)
	}

	return report, report.Err
}

func (d *Dispatcher) fetch(ctx context.Context) (time.Time, []event.Record, error) {
	ctx, span := d.options.tracer.Start(ctx, "dispatch.fetch")
	defer span.End()

	current, ok, err := d.tracker.Watermark(ctx, d.config.Program)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return time.Time{}, nil, fmt.Errorf("%w: reading watermark: %w", ErrFetch, err)
	}

	since := current
	if !ok {
		current = time.Time{}
		since = epoch
	}

	span.SetAttributes(attribute.String("txlog.watermark", since.Format(time.RFC3339Nano)))

	// One record past the limit tells whether the page's last timestamp
	// continues beyond it.
	records, err := d.reader.FetchSince(ctx, since, d.config.MaxRecords+1)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return current, nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	span.SetAttributes(attribute.Int("txlog.records", len(records)))

	return current, records, nil
}

// publish sends records batch by batch and stops at the first batch with
// any result other than success. It returns how many leading records
// belong to fully delivered batches.
func (d *Dispatcher) publish(ctx context.Context, logger *zap.Logger, records []event.Record) (int, int, error) {
	confirmed := 0
	batches := 0

	for start := 0; start < len(records); start += d.config.BatchSize {
		end := min(start+d.config.BatchSize, len(records))
		index := batches
		batches++

		d.setState(StatePublishing)

		bctx, span := d.options.tracer.Start(ctx, "dispatch.publish_batch", trace.WithAttributes(
			attribute.Int("txlog.batch", index),
			attribute.Int("txlog.batch_size", end-start),
		))

		results := d.publisher.PublishBatch(bctx, d.formatter.FormatAll(records[start:end]))

		d.setState(StateReconciling)

		if err := reconcile(index, end-start, results); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch not fully delivered")
			span.End()

			return confirmed, batches, err
		}

		span.End()

		confirmed = end

		logger.Debug("batch delivered",
			zap.Int("batch", index),
			zap.Int("size", end-start),
		)
	}

	return confirmed, batches, nil
}

// reconcile turns a batch's results into a BatchError unless every one of
// them succeeded. Completion order does not matter.
func reconcile(index, size int, results []eventbus.Result) error {
	var failed []eventbus.Result

	for _, r := range results {
		if !r.Succeeded() {
			failed = append(failed, r)
		}
	}

	if len(results) != size {
		return &BatchError{
			Batch:  index,
			Size:   size,
			Failed: append(failed, eventbus.Result{Outcome: eventbus.Failed, Err: fmt.Errorf("publisher returned %d results for %d envelopes", len(results), size)}),
		}
	}

	if len(failed) == 0 {
		return nil
	}

	return &BatchError{Batch: index, Size: size, Failed: failed}
}

// record writes the run once. A write failure is reported with
// ErrTrackingWrite alongside cause.
func (d *Dispatcher) record(ctx context.Context, logger *zap.Logger, run tracker.Run, cause error) error {
	ctx, span := d.options.tracer.Start(ctx, "dispatch.track", trace.WithAttributes(
		attribute.String("txlog.status", string(run.Status)),
		attribute.Int("txlog.count", run.Count),
	))
	defer span.End()

	run.ID = uuid.NewString()
	run.At = d.options.now().UTC()

	err := d.tracker.SetWatermark(ctx, d.config.Program, run)
	if err == nil {
		return cause
	}

	span.SetStatus(codes.Error, err.Error())

	logger.Error("recording run failed, delivered records will be sent again",
		zap.String("status", string(run.Status)),
		zap.Int("count", run.Count),
		zap.Time("watermark", run.Watermark),
		zap.Error(err),
	)

	return errors.Join(cause, fmt.Errorf("%w: %w", ErrTrackingWrite, err))
}
