package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_None(t *testing.T) {
	for _, exporter := range []string{"", "none"} {
		p, err := Init(context.Background(), Config{Exporter: exporter})
		if err != nil {
			t.Fatalf("Init(%q): %v", exporter, err)
		}
		if p.Tracer == nil || p.Meter == nil || p.Metrics == nil {
			t.Fatalf("Init(%q) returned incomplete provider: %+v", exporter, p)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestInit_Stdout(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: "stdout", ServiceName: "ery-test", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, ok := p.TracerProvider.(*sdktrace.TracerProvider); !ok {
		t.Errorf("TracerProvider = %T, want SDK provider", p.TracerProvider)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNoop_MetricsUsable(t *testing.T) {
	p := Noop()
	ctx := context.Background()
	p.Metrics.ThreadsSpawned.Add(ctx, 1)
	p.Metrics.ThreadFinished(ctx, "completed")
	p.Metrics.ToolExecuted(ctx, "send_message", 0.01, false)
}

func TestOrNoop(t *testing.T) {
	if OrNoop(nil) == nil {
		t.Fatal("OrNoop(nil) returned nil")
	}
	p := Noop()
	if OrNoop(p) != p {
		t.Error("OrNoop should return a non-nil provider unchanged")
	}
}

func TestSpanHelpers_RecordKindAndAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p, err := NewWithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	if err != nil {
		t.Fatalf("NewWithTracerProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "agent.run", AttrThreadID.String("t1"))
	span.End()
	_, client := StartClientSpan(context.Background(), p.Tracer, "llm.chat", AttrModel.String("m"))
	client.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name() != "agent.run" || spans[0].SpanKind() != trace.SpanKindInternal {
		t.Errorf("span[0] = %s/%v", spans[0].Name(), spans[0].SpanKind())
	}
	if spans[1].SpanKind() != trace.SpanKindClient {
		t.Errorf("span[1] kind = %v, want client", spans[1].SpanKind())
	}
	found := false
	for _, a := range spans[0].Attributes() {
		if a.Key == AttrThreadID && a.Value.AsString() == "t1" {
			found = true
		}
	}
	if !found {
		t.Error("thread id attribute missing from span")
	}
}
