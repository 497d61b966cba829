package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		RunID:     "run-001",
		FlowID:    "flow-1",
		SessionID: "sess",
		Step:      3,
		NodeID:    "ifElse_0",
		Msg:       EventNodeResult,
		Meta: map[string]interface{}{
			"status":      "FINISHED",
			"depth":       2,
			"duration_ms": 15 * time.Millisecond,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != EventNodeResult {
		t.Errorf("span name = %q, want %q", span.Name, EventNodeResult)
	}

	attrs := attributeMap(span.Attributes)
	checks := map[string]interface{}{
		"flowrun.run_id":     "run-001",
		"flowrun.flow_id":    "flow-1",
		"flowrun.session_id": "sess",
		"flowrun.step":       int64(3),
		"flowrun.node_id":    "ifElse_0",
		"status":             "FINISHED",
		"depth":              int64(2),
		"duration_ms":        int64(15),
	}
	for k, want := range checks {
		if got := attrs[k]; got != want {
			t.Errorf("%s = %v (%T), want %v", k, got, got, want)
		}
	}
	if span.Status.Code == codes.Error {
		t.Error("unexpected error status")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		RunID:  "run-001",
		NodeID: "http_0",
		Msg:    EventNodeResult,
		Meta:   map[string]interface{}{"status": "ERROR", "error": "connection refused"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "connection refused" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	events := []Event{
		{RunID: "r", Step: 1, NodeID: "a", Msg: EventNodeResult},
		{RunID: "r", Step: 2, NodeID: "b", Msg: EventNodeResult},
		{RunID: "r", Msg: EventRunFinished},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("got %d spans, want 3", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emitter.EmitBatch(ctx, events); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	emitter, _ := newTestTracer(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
