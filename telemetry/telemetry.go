// Package telemetry wires the kernel to OpenTelemetry. It provides a
// core.Telemetry implementation backed by the global tracer/meter providers,
// span-event helpers for LLM and retrieval calls, and the counter registry
// the retrieval metrics store mirrors into.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcalza96/cire-orchestrator/core"
)

const instrumentationName = "github.com/mcalza96/cire-orchestrator"

// OTelTelemetry implements core.Telemetry on the global OTel providers.
type OTelTelemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New returns a telemetry facade over the globally registered providers.
// Call Init first (or configure providers yourself) to get real exporters;
// without that, the OTel default no-op providers apply.
func New() *OTelTelemetry {
	return &OTelTelemetry{
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan opens a span named after the kernel stage.
func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds to a float counter, creating it on first use.
func (t *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	counter, ok := t.counters[name]
	if !ok {
		var err error
		counter, err = t.meter.Float64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// AddSpanEvent attaches an event to the active span in ctx, if any. Used at
// LLM request/response boundaries and retrieval strategy transitions.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.SpanContext().IsValid() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TruncateString clips attribute payloads so span events stay bounded.
func TruncateString(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
