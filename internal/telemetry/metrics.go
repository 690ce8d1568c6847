// Package telemetry provides OpenTelemetry instrumentation for the solve service.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SolveMetricsMeterName is the name used for the solve metrics meter
const SolveMetricsMeterName = "platesolve/solver"

// SolveMetrics holds the OpenTelemetry instruments for solve jobs
type SolveMetrics struct {
	solvesTotal   metric.Int64Counter
	solveDuration metric.Float64Histogram
	queueDepth    metric.Int64UpDownCounter
}

// NewSolveMetrics creates a new SolveMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSolveMetrics(provider metric.MeterProvider) (*SolveMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SolveMetricsMeterName)

	solvesTotal, err := meter.Int64Counter(
		"platesolve_solves_total",
		metric.WithDescription("Number of finished solve jobs"),
		metric.WithUnit("{solve}"),
	)
	if err != nil {
		return nil, err
	}

	solveDuration, err := meter.Float64Histogram(
		"platesolve_solve_duration_seconds",
		metric.WithDescription("Duration of solve jobs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"platesolve_queue_depth",
		metric.WithDescription("Solve requests waiting for dispatch"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &SolveMetrics{
		solvesTotal:   solvesTotal,
		solveDuration: solveDuration,
		queueDepth:    queueDepth,
	}, nil
}

// RecordSolve records one finished solve for a framework
func (m *SolveMetrics) RecordSolve(ctx context.Context, framework string, duration time.Duration, success bool) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("framework", framework),
		attribute.Bool("success", success),
	)
	m.solvesTotal.Add(ctx, 1, attrs)
	m.solveDuration.Record(ctx, duration.Seconds(), attrs)
}

// QueueChanged adjusts the queue depth by delta
func (m *SolveMetrics) QueueChanged(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}
