package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "troupe"

// Metrics holds the engine's metric instruments. All record methods are
// nil-safe so an engine without telemetry pays only a nil check.
type Metrics struct {
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram
	actionAttempts metric.Int64Counter
	generateTime   metric.Float64Histogram
	gavelWait      metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.runsStarted, err = meter.Int64Counter("troupe.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.runsFinished, err = meter.Int64Counter("troupe.runs.finished",
		metric.WithDescription("Number of runs reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram("troupe.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.actionAttempts, err = meter.Int64Counter("troupe.action.attempts",
		metric.WithDescription("Number of action execution attempts"))
	if err != nil {
		return nil, err
	}

	m.generateTime, err = meter.Float64Histogram("troupe.generate.duration_seconds",
		metric.WithDescription("Generation call latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.gavelWait, err = meter.Float64Histogram("troupe.gavel.wait_seconds",
		metric.WithDescription("Time spent suspended on a gavel checkpoint"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted counts one run launch.
func (m *Metrics) RunStarted(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("run.mode", mode)))
}

// RunFinished counts one terminal transition and records the run duration.
func (m *Metrics) RunFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("run.status", status))
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// ActionAttempt counts one attempt of an action body.
func (m *Metrics) ActionAttempt(ctx context.Context, actionType string) {
	if m == nil {
		return
	}
	m.actionAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("action.type", actionType)))
}

// Generation records one generation call's latency.
func (m *Metrics) Generation(ctx context.Context, participantID string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.generateTime.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("participant.id", participantID),
		attribute.Bool("failed", failed),
	))
}

// GavelWait records how long a checkpoint held the run suspended.
func (m *Metrics) GavelWait(ctx context.Context, decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.gavelWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("gavel.decision", decision)))
}
