// Package obs provides a shared structured logging/metrics/tracing helper
// used by every store and engine in the bridge (device registry, port
// router, projection store, virtual tool store, reflex engine). It
// generalizes the per-package Observability helper the teacher repo
// duplicates in runtime/registry/observability.go into one reusable type.
package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldmesh/reflexbridge/internal/telemetry"
)

// Outcome represents the result of an operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Event is a structured log/metric event for one operation.
type Event struct {
	Component string
	Operation string
	Subject   string
	Duration  time.Duration
	Outcome   Outcome
	Error     string
}

// Observability bundles a Logger, Metrics recorder and Tracer behind one
// small helper so component code emits consistent structured events instead
// of hand-rolled log/metric calls at every call site.
type Observability struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// New constructs an Observability, defaulting any nil component to its noop
// implementation.
func New(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Observability {
	o := &Observability{Logger: logger, Metrics: metrics, Tracer: tracer}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	return o
}

// LogEvent emits a structured log line for the event at a severity derived
// from its outcome.
func (o *Observability) LogEvent(ctx context.Context, ev Event) {
	keyvals := []any{
		"component", ev.Component,
		"operation", ev.Operation,
		"outcome", string(ev.Outcome),
		"duration_ms", ev.Duration.Milliseconds(),
	}
	if ev.Subject != "" {
		keyvals = append(keyvals, "subject", ev.Subject)
	}
	if ev.Error != "" {
		keyvals = append(keyvals, "error", ev.Error)
	}
	if ev.Outcome == OutcomeError {
		o.Logger.Error(ctx, ev.Component+" operation failed", keyvals...)
		return
	}
	o.Logger.Info(ctx, ev.Component+" operation completed", keyvals...)
}

// RecordMetrics records latency and success/error counters for the event.
func (o *Observability) RecordMetrics(ev Event) {
	tags := []string{"component", ev.Component, "operation", ev.Operation}
	o.Metrics.RecordTimer(ev.Component+".operation.duration", ev.Duration, tags...)
	switch ev.Outcome {
	case OutcomeSuccess:
		o.Metrics.IncCounter(ev.Component+".operation.success", 1, tags...)
	case OutcomeError:
		o.Metrics.IncCounter(ev.Component+".operation.error", 1, tags...)
	}
}

// StartSpan starts a trace span named "<component>.<operation>".
func (o *Observability) StartSpan(ctx context.Context, component, operation string, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	return o.Tracer.Start(ctx, component+"."+operation, trace.WithAttributes(attrs...))
}

// EndSpan finalizes a span with the operation outcome.
func (o *Observability) EndSpan(span telemetry.Span, outcome Outcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome))
	}
	span.End()
}
