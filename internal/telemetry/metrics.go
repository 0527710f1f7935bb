package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service instruments.
type Metrics struct {
	tasksStarted   metric.Int64Counter
	tasksFinished  metric.Int64Counter
	cacheLookups   metric.Int64Counter
	focusFailures  metric.Int64Counter
	focusDuration  metric.Float64Histogram
	activeSessions metric.Int64UpDownCounter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.Meter(instrumentationName))
}

// NewMetricsWith creates instruments on meter.
func NewMetricsWith(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err, e error

	m.tasksStarted, e = meter.Int64Counter("research.tasks.started",
		metric.WithDescription("Research tasks accepted"))
	err = errors.Join(err, e)
	m.tasksFinished, e = meter.Int64Counter("research.tasks.finished",
		metric.WithDescription("Research tasks that reached a terminal status"))
	err = errors.Join(err, e)
	m.cacheLookups, e = meter.Int64Counter("research.cache.lookups",
		metric.WithDescription("Result cache lookups by outcome"))
	err = errors.Join(err, e)
	m.focusFailures, e = meter.Int64Counter("research.focus_areas.failed",
		metric.WithDescription("Focus areas that exhausted their retries"))
	err = errors.Join(err, e)
	m.focusDuration, e = meter.Float64Histogram("research.focus_areas.duration",
		metric.WithDescription("Time spent on one focus area, retries included"),
		metric.WithUnit("s"))
	err = errors.Join(err, e)
	m.activeSessions, e = meter.Int64UpDownCounter("research.sessions.active",
		metric.WithDescription("Open connection sessions"))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Nil-safe recorders: a nil *Metrics records nothing.

func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1)
}

func (m *Metrics) TaskFinished(ctx context.Context, status string, cacheHit bool) {
	if m == nil {
		return
	}
	m.tasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("cache_hit", cacheHit),
	))
}

func (m *Metrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *Metrics) FocusAreaDone(ctx context.Context, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.focusDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("failed", failed)))
	if failed {
		m.focusFailures.Add(ctx, 1)
	}
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}
