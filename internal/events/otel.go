package events

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink turns published events into OpenTelemetry spans, mirroring
// graph/emit/otel.go's OTelEmitter: one span per event, standard attributes
// for job id and event type, an error status when the event carries a
// message on the error/cancelled variants. This is ambient observability —
// spec.md's Non-goals never mention tracing, so per the carry-the-ambient-
// stack rule it is kept even though nothing in spec.md names it directly.
type OTelSink struct {
	tracer trace.Tracer
}

// NewOTelSink constructs a sink using the given tracer (typically
// otel.Tracer("beamforge")).
func NewOTelSink(tracer trace.Tracer) *OTelSink {
	return &OTelSink{tracer: tracer}
}

// Observe records one event as a completed span. Call this from a
// dedicated Bus subscription loop (the orchestrator's own event publishing
// stays decoupled from tracing backends).
func (o *OTelSink) Observe(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("beamforge.job_id", event.JobID),
		attribute.String("beamforge.event_type", string(event.Type)),
	)
	if event.Iteration > 0 || event.Type == TypeIteration {
		span.SetAttributes(attribute.Int("beamforge.iteration", event.Iteration))
	}
	if event.CandidateID != "" {
		span.SetAttributes(attribute.String("beamforge.candidate_id", event.CandidateID))
	}
	if event.RunningCostUSD > 0 {
		span.SetAttributes(attribute.Float64("beamforge.running_cost_usd", event.RunningCostUSD))
	}
	if event.Type == TypeError || (event.Type == TypeCancelled && event.Message != "") {
		span.SetStatus(codes.Error, event.Message)
		span.RecordError(fmt.Errorf("%s", event.Message))
	}
}

// Send implements TransportHandle so an OTelSink can be attached to a
// WSFanout exactly like a transport subscriber: every published event on
// the attached job becomes a span, with no separate subscription loop to
// maintain.
func (o *OTelSink) Send(event Event) error {
	o.Observe(context.Background(), event)
	return nil
}

// Flush force-flushes the global tracer provider if it supports it, the
// same provider-capability probe graph/emit/otel.go uses.
func Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
