package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tracer := NewTracerWithExporter(TraceConfig{ServiceName: "agui-test"}, sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tracer.provider.Shutdown(context.Background()) })
	return tracer, exporter
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()
	if span.IsRecording() {
		t.Fatal("expected non-recording span without an endpoint")
	}
}

func TestNilTracerIsSafe(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceTurn(context.Background(), "conv")
	tracer.RecordError(span, errors.New("boom"))
	tracer.SetAttributes(span, "k", "v")
	span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
}

func TestTurnSpanHierarchy(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	ctx, turn := tracer.TraceTurn(context.Background(), "conv-1")
	llmCtx, llm := tracer.TraceLLMRequest(ctx, "scripted", "demo", 1)
	_, tool := tracer.TraceToolExecution(llmCtx, "get_time_zone", "local")
	tool.End()
	llm.End()
	turn.End()

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	root, ok := byName["agui.turn"]
	if !ok {
		t.Fatalf("missing turn span: %v", spans)
	}
	if v, _ := attrValue(root.Attributes, "conversation.id"); v.AsString() != "conv-1" {
		t.Errorf("conversation.id = %q", v.AsString())
	}
	if byName["llm.scripted"].Parent.SpanID() != root.SpanContext.SpanID() {
		t.Error("llm span is not a child of the turn span")
	}
	toolSpan := byName["tool.get_time_zone"]
	if toolSpan.Parent.SpanID() != byName["llm.scripted"].SpanContext.SpanID() {
		t.Error("tool span is not a child of the llm span")
	}
	if v, _ := attrValue(toolSpan.Attributes, "tool.site"); v.AsString() != "local" {
		t.Errorf("tool.site = %q", v.AsString())
	}
	if toolSpan.SpanKind != trace.SpanKindInternal {
		t.Errorf("tool span kind = %v", toolSpan.SpanKind)
	}
}

func TestRecordError(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "failing")
	tracer.RecordError(span, errors.New("collaborator unavailable"))
	tracer.RecordError(span, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error status, got %+v", spans)
	}
	if len(spans[0].Events) != 1 {
		t.Fatalf("expected one exception event, got %d", len(spans[0].Events))
	}
}

func TestSetAttributesAndEvents(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "attrs")
	tracer.SetAttributes(span, "tool", "calculator", "count", 2, 42, "ignored", "dangling")
	tracer.AddEvent(span, "remote.requested", "execution_id", "abc")
	span.End()

	s := exporter.GetSpans()[0]
	if v, ok := attrValue(s.Attributes, "tool"); !ok || v.AsString() != "calculator" {
		t.Errorf("tool attribute = %v", v)
	}
	if v, ok := attrValue(s.Attributes, "count"); !ok || v.AsInt64() != 2 {
		t.Errorf("count attribute = %v", v)
	}
	if len(s.Attributes) != 2 {
		t.Errorf("expected malformed pairs skipped, got %v", s.Attributes)
	}
	if len(s.Events) != 1 || s.Events[0].Name != "remote.requested" {
		t.Errorf("unexpected events: %v", s.Events)
	}
}

func TestWithSpan(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	want := errors.New("failed")
	err := WithSpan(context.Background(), tracer, "wrapped", func(ctx context.Context, span trace.Span) error {
		if GetTraceID(ctx) == "" {
			t.Error("expected trace id inside span")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("WithSpan() error = %v", err)
	}
	if exporter.GetSpans()[0].Status.Code != codes.Error {
		t.Fatal("error not recorded on span")
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	tracer, _ := newRecordingTracer(t)
	prop := propagation.TraceContext{}

	ctx, span := tracer.Start(context.Background(), "client")
	defer span.End()

	header := http.Header{}
	prop.Inject(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}
	extracted := prop.Extract(context.Background(), propagation.HeaderCarrier(header))
	if trace.SpanContextFromContext(extracted).TraceID() != span.SpanContext().TraceID() {
		t.Fatal("trace id did not survive propagation")
	}
}

func TestSamplingRateZeroDropsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer := NewTracerWithExporter(TraceConfig{SamplingRate: -1}, sdktrace.WithSyncer(exporter))
	defer func() { _ = tracer.provider.Shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "dropped")
	span.End()
	if n := len(exporter.GetSpans()); n != 0 {
		t.Fatalf("expected no sampled spans, got %d", n)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		val  any
		want attribute.Type
	}{
		{"s", attribute.STRING},
		{1, attribute.INT64},
		{int64(1), attribute.INT64},
		{1.5, attribute.FLOAT64},
		{true, attribute.BOOL},
		{[]string{"a"}, attribute.STRINGSLICE},
		{struct{}{}, attribute.STRING},
	}
	for _, tt := range tests {
		if got := attributeFromValue("k", tt.val).Value.Type(); got != tt.want {
			t.Errorf("attributeFromValue(%T) type = %v, want %v", tt.val, got, tt.want)
		}
	}
}
