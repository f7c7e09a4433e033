package shared

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/internal/tracing"
)

const tracerName = "eventpipe-decoder"

// Tracer returns the tracer for decoder spans.
// Requires EVENTPIPE_DEBUG_AGENT_MESSAGES=true in addition to the OTel endpoint.
func Tracer() trace.Tracer {
	if !debugMode.Load() {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tracing.Tracer(tracerName)
}

// TraceDecoded records one span per wire message with the raw payload and
// the events decoded from it, for side-by-side comparison.
func TraceDecoded(ctx context.Context, protocol, sessionID, eventType string, raw []byte, events []streams.Event) {
	_, span := Tracer().Start(ctx, protocol+"."+eventType, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("session_id", sessionID),
		attribute.String("event_type", eventType),
		attribute.Int("event_count", len(events)),
	)
	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", tracing.Truncate(string(raw))),
		))
	}
	for _, ev := range events {
		data, err := streams.Marshal(ev)
		if err != nil {
			continue
		}
		span.AddEvent("normalized", trace.WithAttributes(
			attribute.String("kind", string(ev.Kind())),
			attribute.String("data", tracing.Truncate(string(data))),
		))
	}
}

// Capture writes a decoded wire message to the debug capture files and the
// tracer. It does nothing unless debug mode is on.
func Capture(ctx context.Context, protocol, sessionID, eventType string, raw []byte, events []streams.Event) {
	if !debugMode.Load() {
		return
	}
	LogRawEvent(protocol, sessionID, eventType, raw)
	LogNormalizedEvents(protocol, sessionID, events)
	TraceDecoded(ctx, protocol, sessionID, eventType, raw, events)
}
