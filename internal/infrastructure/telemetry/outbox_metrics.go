package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outbox metric names
const (
	MetricOutboxDispatched       = "relay_outbox_dispatched_total"
	MetricOutboxFailed           = "relay_outbox_failed_total"
	MetricOutboxParked           = "relay_outbox_parked_total"
	MetricOutboxCleaned          = "relay_outbox_cleaned_total"
	MetricOutboxDispatchDuration = "relay_outbox_dispatch_duration_seconds"
	MetricOutboxParkedCurrent    = "relay_outbox_parked_records"
)

// OutboxMetrics records dispatcher activity. It satisfies the outbox
// package's Metrics interface.
type OutboxMetrics struct {
	dispatched *Counter
	failed     *Counter
	parked     *Counter
	cleaned    *Counter
	duration   *Histogram
	parkedNow  *Gauge
	attrs      []attribute.KeyValue
}

// NewOutboxMetrics creates the outbox instruments on meter. exchange is
// attached to every measurement.
func NewOutboxMetrics(meter metric.Meter, exchange string) (*OutboxMetrics, error) {
	m := &OutboxMetrics{}
	if exchange != "" {
		m.attrs = []attribute.KeyValue{AttrExchange.String(exchange)}
	}

	var err error
	if m.dispatched, err = NewCounter(meter, MetricOutboxDispatched,
		"Outbox records delivered to the broker", "{record}"); err != nil {
		return nil, err
	}
	if m.failed, err = NewCounter(meter, MetricOutboxFailed,
		"Failed outbox delivery attempts", "{attempt}"); err != nil {
		return nil, err
	}
	if m.parked, err = NewCounter(meter, MetricOutboxParked,
		"Outbox records that exhausted their retries", "{record}"); err != nil {
		return nil, err
	}
	if m.cleaned, err = NewCounter(meter, MetricOutboxCleaned,
		"Delivered outbox records removed by retention cleanup", "{record}"); err != nil {
		return nil, err
	}
	if m.duration, err = NewHistogram(meter, HistogramOpts{
		Name:        MetricOutboxDispatchDuration,
		Description: "Duration of outbox dispatch cycles",
		Unit:        "s",
		Boundaries:  DispatchDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.parkedNow, err = NewGauge(meter, MetricOutboxParkedCurrent,
		"Outbox records currently parked", "{record}"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OutboxMetrics) RecordDispatched(ctx context.Context, n int64) {
	m.dispatched.Add(ctx, n, m.attrs...)
}

func (m *OutboxMetrics) RecordFailed(ctx context.Context, n int64) {
	m.failed.Add(ctx, n, m.attrs...)
}

func (m *OutboxMetrics) RecordParked(ctx context.Context, n int64) {
	m.parked.Add(ctx, n, m.attrs...)
}

func (m *OutboxMetrics) RecordCleaned(ctx context.Context, n int64) {
	m.cleaned.Add(ctx, n, m.attrs...)
}

func (m *OutboxMetrics) RecordDispatchDuration(ctx context.Context, d time.Duration) {
	m.duration.RecordDuration(ctx, d, m.attrs...)
}

func (m *OutboxMetrics) SetParked(ctx context.Context, n int64) {
	m.parkedNow.Record(ctx, n, m.attrs...)
}
