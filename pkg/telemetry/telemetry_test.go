package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	ctx, parent := Start(context.Background(), tracer, "execute", AttrJob.String("job-1"))
	_, child := Start(ctx, tracer, "trial", AttrTrial.Int(3))
	End(child, errors.New("boom"))
	End(parent, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "trial" {
		t.Errorf("Expected trial span first, got %s", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", spans[0].Status().Code)
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("Expected trial span to be a child of execute")
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("Expected ok status, got %v", spans[1].Status().Code)
	}
}

func TestAttr(t *testing.T) {
	tests := []struct {
		value any
		want  attribute.Type
	}{
		{"x", attribute.STRING},
		{3, attribute.INT64},
		{int64(3), attribute.INT64},
		{1.5, attribute.FLOAT64},
		{true, attribute.BOOL},
		{[]int{1}, attribute.STRING},
	}
	for _, tt := range tests {
		if got := Attr("k", tt.value).Value.Type(); got != tt.want {
			t.Errorf("Attr(%v) type = %v, expected %v", tt.value, got, tt.want)
		}
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(1).Description(); got != "AlwaysOnSampler" {
		t.Errorf("Expected AlwaysOnSampler, got %s", got)
	}
	if got := sampler(0).Description(); got != "AlwaysOffSampler" {
		t.Errorf("Expected AlwaysOffSampler, got %s", got)
	}
}

func TestExporterTracerBeforeInit(t *testing.T) {
	e := NewOTLPExporter(DefaultOTLPConfig("trialflow"))
	if e.IsInitialized() {
		t.Error("Expected exporter to be uninitialized")
	}
	if e.Tracer() == nil {
		t.Error("Expected a global tracer before Init")
	}
}
