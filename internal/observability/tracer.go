package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on engine spans.
var (
	AttrKey         = attribute.Key("methodcache.key")
	AttrTag         = attribute.Key("methodcache.tag")
	AttrLayer       = attribute.Key("methodcache.layer")
	AttrOperationID = attribute.Key("methodcache.operation.id")
	AttrHit         = attribute.Key("methodcache.hit")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
