// Package telemetry defines the sink the allocator core reports through.
//
// The core emits lease lifecycle events, clock anomalies, and allocation
// throughput; it never talks to an exporter directly. Concrete exporter
// selection (otlp, zipkin, stdout, none) happens in common/otel.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/keygridhq/mint"

// Emitter is the abstract telemetry sink consumed by the allocator core.
type Emitter interface {
	// RecordEvent reports a discrete occurrence (lease acquired, clock drift).
	RecordEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
	// RecordCounter adds delta to a monotonically increasing counter.
	RecordCounter(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue)
}

// OTelEmitter bridges the Emitter interface onto the global OTel providers.
// Events become span events when a span is recording and debug log records
// otherwise; counters go through the meter API.
type OTelEmitter struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

func NewOTelEmitter() *OTelEmitter {
	return &OTelEmitter{
		meter:    otel.Meter(scopeName),
		counters: make(map[string]metric.Int64Counter),
	}
}

func (e *OTelEmitter) RecordEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
		return
	}

	// Outside a span, events still need a destination: count them so the
	// renewal loop's activity is visible even without tracing.
	e.RecordCounter(ctx, name, 1, attrs...)
}

func (e *OTelEmitter) RecordCounter(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	counter, err := e.counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, delta, metric.WithAttributes(attrs...))
}

func (e *OTelEmitter) counter(name string) (metric.Int64Counter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.counters[name]; ok {
		return c, nil
	}
	c, err := e.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	e.counters[name] = c
	return c, nil
}

// Nop discards everything. Used when telemetry is disabled and in tests.
type Nop struct{}

func (Nop) RecordEvent(context.Context, string, ...attribute.KeyValue)          {}
func (Nop) RecordCounter(context.Context, string, int64, ...attribute.KeyValue) {}
