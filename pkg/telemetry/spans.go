package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by the engine.
const InstrumentationName = "github.com/trialflow/trialflow"

// Span attribute keys.
const (
	AttrJob     = attribute.Key("trialflow.job")
	AttrKernel  = attribute.Key("trialflow.kernel")
	AttrTrial   = attribute.Key("trialflow.trial")
	AttrTrials  = attribute.Key("trialflow.trials")
	AttrRows    = attribute.Key("trialflow.rows")
	AttrMode    = attribute.Key("trialflow.mode")
	AttrWorkers = attribute.Key("trialflow.workers")
)

// Tracer returns the global tracer, or t if non-nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(InstrumentationName)
}

// Start opens a span on t (or the global tracer).
func Start(ctx context.Context, t trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(t).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes span, recording err as the span status when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Attr converts a loosely typed value to an attribute.
func Attr(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
