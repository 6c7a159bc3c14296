package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// DetachTraceContext returns a background context carrying the span context
// of ctx, so a conversation started from a request can outlive it while its
// spans stay linked to the request trace.
func DetachTraceContext(ctx context.Context) context.Context {
	return DetachTraceContextFrom(ctx, context.Background())
}

// DetachTraceContextFrom copies the span context of src into base, keeping
// the cancellation of base.
func DetachTraceContextFrom(src, base context.Context) context.Context {
	sc := trace.SpanContextFromContext(src)
	if !sc.IsValid() {
		return base
	}
	return trace.ContextWithRemoteSpanContext(base, sc)
}
