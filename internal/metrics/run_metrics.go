package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("generation-metrics")

// RunMetrics provides metrics collection for generation runs.
type RunMetrics struct {
	runsStartedCounter    metric.Int64Counter
	runsFinishedCounter   metric.Int64Counter
	iterationsHistogram   metric.Int64Histogram
	runDurationHistogram  metric.Float64Histogram
	runsActiveGauge       metric.Int64UpDownCounter
}

// NewRunMetrics creates a new generation metrics collector.
func NewRunMetrics() (*RunMetrics, error) {
	runsStartedCounter, err := meter.Int64Counter(
		"cad_orchestrator.runs.started",
		metric.WithDescription("Total number of generation runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsFinishedCounter, err := meter.Int64Counter(
		"cad_orchestrator.runs.finished",
		metric.WithDescription("Total number of generation runs finished, by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	iterationsHistogram, err := meter.Int64Histogram(
		"cad_orchestrator.run.iterations",
		metric.WithDescription("Iterations consumed per generation run"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	runDurationHistogram, err := meter.Float64Histogram(
		"cad_orchestrator.run.duration",
		metric.WithDescription("Duration of generation runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsActiveGauge, err := meter.Int64UpDownCounter(
		"cad_orchestrator.runs.active",
		metric.WithDescription("Number of currently active generation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		runsStartedCounter:   runsStartedCounter,
		runsFinishedCounter:  runsFinishedCounter,
		iterationsHistogram:  iterationsHistogram,
		runDurationHistogram: runDurationHistogram,
		runsActiveGauge:      runsActiveGauge,
	}, nil
}

// RecordRunStarted records the start of a generation run.
func (rm *RunMetrics) RecordRunStarted(ctx context.Context, sessionID string) {
	rm.runsStartedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session.id", sessionID)),
	)
	rm.runsActiveGauge.Add(ctx, 1)
}

// RecordRunFinished records a run reaching a terminal status.
func (rm *RunMetrics) RecordRunFinished(ctx context.Context, sessionID, status string, iterations int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("status", status),
	)
	rm.runsFinishedCounter.Add(ctx, 1, attrs)
	rm.iterationsHistogram.Record(ctx, int64(iterations), attrs)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(), attrs)
	rm.runsActiveGauge.Add(ctx, -1)
}
