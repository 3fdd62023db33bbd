package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "troupe"

// StartRunSpan starts the root span for one pipeline run.
func StartRunSpan(ctx context.Context, runID, pipelineID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("pipeline.id", pipelineID),
			attribute.String("run.mode", mode),
		),
	)
}

// StartPhaseSpan starts a span for one phase of a run.
func StartPhaseSpan(ctx context.Context, runID, phaseID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("phase.id", phaseID),
		),
	)
}

// StartActionSpan starts a span for one action within a phase.
func StartActionSpan(ctx context.Context, phaseID, actionID, actionType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "action",
		trace.WithAttributes(
			attribute.String("phase.id", phaseID),
			attribute.String("action.id", actionID),
			attribute.String("action.type", actionType),
		),
	)
}

// StartGenerateSpan starts a span for one generation call.
func StartGenerateSpan(ctx context.Context, participantID, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "generate",
		trace.WithAttributes(
			attribute.String("participant.id", participantID),
			attribute.String("model", model),
		),
	)
}

// StartDeliverySpan starts a span for final output delivery.
func StartDeliverySpan(ctx context.Context, runID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delivery",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("delivery.mode", mode),
		),
	)
}
