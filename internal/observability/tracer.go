package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for bisection spans. The phase engine starts one
// span per phase per iteration; no per-host span is created.
var (
	AttrSessionID  = attribute.Key("kbisect.session_id")
	AttrIteration  = attribute.Key("kbisect.iteration")
	AttrCommitSHA  = attribute.Key("kbisect.commit_sha")
	AttrPhase      = attribute.Key("kbisect.phase")
	AttrHost       = attribute.Key("kbisect.host")
	AttrVerdict    = attribute.Key("kbisect.verdict")
	AttrDurationMs = attribute.Key("kbisect.duration_ms")
)
