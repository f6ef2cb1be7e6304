// Package tracing adapts pkg/telemetry to the proxy pipeline's phase
// transitions, annotating each request's span with the classify/forward/
// store sequence described in section 9's observability notes.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"grcache/pkg/telemetry"
)

// PipelineTracer starts one span per request and records pipeline phase
// transitions as span events on it.
type PipelineTracer struct{}

// NewPipelineTracer builds a PipelineTracer. It has no state of its own;
// all tracing state lives in the OTel SDK via pkg/telemetry's global
// provider, initialized once at startup from Config.Tracing.
func NewPipelineTracer() *PipelineTracer {
	return &PipelineTracer{}
}

// StartRequest opens a span for one proxied request and returns a finish
// function the caller must invoke exactly once, passing the terminal error
// (nil on success) so the span is marked accordingly.
func (t *PipelineTracer) StartRequest(ctx context.Context) (context.Context, func(err error)) {
	ctx, span := telemetry.StartSpan(ctx, "grcache.proxy")
	return ctx, func(err error) {
		if err != nil {
			telemetry.SetError(ctx, err)
		}
		span.End()
	}
}

// Annotate attaches the resolved service/method names once classify has run.
func (t *PipelineTracer) Annotate(ctx context.Context, service, method string) {
	telemetry.SetAttributes(ctx,
		attribute.String("grcache.service", service),
		attribute.String("grcache.method", method),
	)
}

// Phase records a pipeline state transition as a span event, per the
// Received -> Classified -> ... -> Done sequence.
func (t *PipelineTracer) Phase(ctx context.Context, name string) {
	telemetry.AddEvent(ctx, "grcache.phase."+name)
}
