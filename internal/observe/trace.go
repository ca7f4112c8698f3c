package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope for every span Talvox starts.
const scopeName = "github.com/talvox/talvox"

// StartSpan opens a span named name on the global tracer provider. The
// session controller wraps each run in one span; the admin middleware wraps
// each request. Callers must end the returned span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the active span in ctx, or the empty
// string when there is none. The admin listener reflects it in the
// X-Correlation-ID response header so a probe or scrape can be matched to the
// log lines it produced.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] bound to the trace_id and span_id
// of the active span in ctx, so a session's records can be tied back to the
// run that produced them. Without an active span it is the default logger
// unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
