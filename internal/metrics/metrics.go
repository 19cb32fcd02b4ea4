// Package metrics exports dispatcher activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quarks-tech/txlog-dispatcher/pkg/dispatch"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

const namespace = "txlog_dispatcher"

// Metrics implements dispatch.Observer and feeds the publisher hooks.
type Metrics struct {
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	fetched          prometheus.Counter
	published        prometheus.Counter
	watermark        prometheus.Gauge
	trackingFailures prometheus.Counter
	state            *prometheus.GaugeVec
	outcomes         *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	sendDuration     prometheus.Histogram
}

var _ dispatch.Observer = (*Metrics)(nil)

// New registers the collectors with reg, labelled with the program name.
func New(reg prometheus.Registerer, program string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"program": program}

	m := &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cycles_total",
			Help:        "Finished dispatch cycles by run status.",
			ConstLabels: labels,
		}, []string{"status"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "cycle_duration_seconds",
			Help:        "Wall time of a dispatch cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		fetched: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_fetched_total",
			Help:        "Records read from the source.",
			ConstLabels: labels,
		}),
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_published_total",
			Help:        "Records in fully delivered batches.",
			ConstLabels: labels,
		}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "watermark_timestamp_seconds",
			Help:        "Last watermark written, as a Unix timestamp.",
			ConstLabels: labels,
		}),
		trackingFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tracking_write_failures_total",
			Help:        "Cycles whose run could not be recorded.",
			ConstLabels: labels,
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "1 for the state the dispatcher is in, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"state"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "publish_outcomes_total",
			Help:        "Terminal publish results by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "send_attempts_total",
			Help:        "Individual send attempts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "send_duration_seconds",
			Help:        "Latency of a single send attempt including the broker acknowledgment.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	for _, s := range []dispatch.State{
		dispatch.StateIdle,
		dispatch.StateFetching,
		dispatch.StatePublishing,
		dispatch.StateReconciling,
		dispatch.StateAdvancing,
		dispatch.StateReportingPartial,
	} {
		m.state.WithLabelValues(s.String()).Set(0)
	}

	m.state.WithLabelValues(dispatch.StateIdle.String()).Set(1)

	return m
}

func (m *Metrics) StateChanged(_ string, from, to dispatch.State) {
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
}

func (m *Metrics) CycleFinished(r dispatch.Report) {
	m.cycles.WithLabelValues(string(r.Status)).Inc()
	m.cycleDuration.Observe(r.Duration.Seconds())
	m.fetched.Add(float64(r.Fetched))
	m.published.Add(float64(r.Published))

	if errors.Is(r.Err, dispatch.ErrTrackingWrite) {
		m.trackingFailures.Inc()
		return
	}

	if r.Advanced() {
		m.watermark.Set(float64(r.Watermark.UnixMilli()) / 1000)
	}
}

// ObserveResult counts a terminal publish result. Use it as the
// publisher's result hook.
func (m *Metrics) ObserveResult(r eventbus.Result) {
	m.outcomes.WithLabelValues(r.Outcome.String()).Inc()
}

// PublisherInterceptor counts and times every send attempt.
func (m *Metrics) PublisherInterceptor() eventbus.PublisherInterceptor {
	return func(ctx context.Context, md *event.Metadata, data []byte, send eventbus.SendFn) error {
		start := time.Now()
		err := send(ctx, md, data)

		m.sendDuration.Observe(time.Since(start).Seconds())

		result := "ok"
		if err != nil {
			result = "error"
		}

		m.attempts.WithLabelValues(result).Inc()

		return err
	}
}
