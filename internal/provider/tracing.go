package provider

import (
	"context"

	"github.com/kandev/acp-adapter/internal/agentctl/tracing"
	"github.com/kandev/acp-adapter/internal/common/stringutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName      = "acp-adapter-provider"
	maxAttrValueLen = 8192
)

// tracer returns the package-level tracer for protocol request/event
// tracing. Gated on debugMode in addition to the OTel endpoint, so a
// production deployment without ACP_ADAPTER_DEBUG_MESSAGES set pays no
// tracing overhead beyond a no-op tracer.
func tracer() trace.Tracer {
	if !debugMode {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tracing.Tracer(tracerName)
}

// shutdownTracing flushes pending spans and shuts down the provider.
func shutdownTracing(ctx context.Context) error {
	return tracing.Shutdown(ctx)
}

// traceProtocolRequest starts a span for an ACP request the peer sent to this
// client (request_permission, read_text_file, write_text_file). The caller
// must call span.End() when the request completes.
func traceProtocolRequest(ctx context.Context, sessionID, name string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "acp."+name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// traceTranslatedEvent records a single span for a session-update
// notification once C3 has translated it, attaching the update's variant
// name, the translated StreamEvent kind and (truncated) text for
// side-by-side inspection.
func traceTranslatedEvent(ctx context.Context, sessionID string, eventKind string, ev *StreamEvent) {
	_, span := tracer().Start(ctx, "acp.session_update", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("update_kind", eventKind),
	)
	if ev != nil {
		span.SetAttributes(attribute.Int("stream_event_kind", int(ev.Kind)))
		if ev.Text != "" {
			span.AddEvent("text", trace.WithAttributes(
				attribute.String("data", stringutil.TruncateString(ev.Text, maxAttrValueLen)),
			))
		}
	} else {
		span.AddEvent("dropped")
	}
}
