package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "mcp-completion-proxy"

// GetTracer returns the tracer for the completion proxy.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// RequestAttributes returns common attributes for a chat completion request span.
func RequestAttributes(requestID, model string, stream bool, toolCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("request.id", requestID),
		attribute.String("request.model", model),
		attribute.Bool("request.stream", stream),
		attribute.Int("request.tool_count", toolCount),
	}
}

// MCPCallAttributes returns common attributes for an MCP round-trip span.
func MCPCallAttributes(serverURL, toolName, method string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("mcp.server_url", serverURL),
		attribute.String("mcp.tool_name", toolName),
		attribute.String("mcp.method", method),
	}
}

// StartRequestSpan starts a new span covering an entire chat completion request.
func StartRequestSpan(ctx context.Context, requestID, model string, stream bool, toolCount int) (context.Context, trace.Span) {
	ctx, span := GetTracer().Start(ctx, "chat_completion.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(RequestAttributes(requestID, model, stream, toolCount)...),
	)
	return ctx, span
}

// StartMCPCallSpan starts a new span covering one MCP JSON-RPC round-trip.
func StartMCPCallSpan(ctx context.Context, serverURL, toolName, method string) (context.Context, trace.Span) {
	ctx, span := GetTracer().Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(MCPCallAttributes(serverURL, toolName, method)...),
	)
	return ctx, span
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error, severity string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.severity", severity))
}

// AddToolCallEvent adds a tool dispatch event to a span.
func AddToolCallEvent(span trace.Span, toolName string, durationMS int64, ok bool) {
	span.AddEvent("tool_call",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.Int64("tool.duration_ms", durationMS),
			attribute.Bool("tool.ok", ok),
		),
	)
}

// AddSessionReinitEvent adds an MCP session re-initialization event to a span.
func AddSessionReinitEvent(span trace.Span, serverURL, reason string) {
	span.AddEvent("mcp.session_reinit",
		trace.WithAttributes(
			attribute.String("mcp.server_url", serverURL),
			attribute.String("reason", reason),
		),
	)
}
