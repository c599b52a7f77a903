package sync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/marcus/offsync/internal/sync"

type metrics struct {
	pushAcked     metric.Int64Counter
	pushConflicts metric.Int64Counter
	pushParked    metric.Int64Counter
	pullApplied   metric.Int64Counter
	pullSkipped   metric.Int64Counter
	bootstraps    metric.Int64Counter
	cycleErrors   metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, log *slog.Logger) *metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	m := &metrics{}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		c, cerr := meter.Int64Counter(name, metric.WithDescription(desc))
		if cerr != nil && err == nil {
			err = cerr
		}
		return c
	}
	m.pushAcked = counter("offsync.push.acked", "Outbox entries acknowledged by the remote store")
	m.pushConflicts = counter("offsync.push.conflicts", "Outbox entries rejected by the version check")
	m.pushParked = counter("offsync.push.parked", "Outbox entries parked until requeued")
	m.pullApplied = counter("offsync.pull.applied", "Change-log entries applied locally")
	m.pullSkipped = counter("offsync.pull.skipped", "Change-log entries older than the local row")
	m.bootstraps = counter("offsync.bootstrap.runs", "Completed snapshot bootstraps")
	m.cycleErrors = counter("offsync.sync.errors", "Failed sync operations")
	h, herr := meter.Float64Histogram("offsync.sync.duration",
		metric.WithDescription("Duration of a sync operation"), metric.WithUnit("s"))
	m.cycleDuration = h
	if err == nil {
		err = herr
	}
	if err != nil {
		log.Warn("metrics init", "err", err)
	}
	return m
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, n int, tenantID string) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, int64(n), metric.WithAttributes(attribute.String("tenant", tenantID)))
}

func (m *metrics) observe(ctx context.Context, op, tenantID string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("tenant", tenantID))
	if m.cycleDuration != nil {
		m.cycleDuration.Record(ctx, seconds, attrs)
	}
	if err != nil && m.cycleErrors != nil {
		m.cycleErrors.Add(ctx, 1, attrs)
	}
}
