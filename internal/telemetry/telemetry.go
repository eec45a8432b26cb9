// Package telemetry provides the logging, metrics and tracing interfaces used
// throughout the bridge runtime. Implementations typically delegate to Clue
// and OpenTelemetry but the interfaces are intentionally small so tests can
// provide lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used by every component of the bridge.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// CommandTelemetry captures observability metadata collected while a command
// round-trips through a device. Extra holds transport-specific details (e.g.
// broker channel, socket remote address).
type CommandTelemetry struct {
	// DurationMs is the wall-clock round-trip time in milliseconds.
	DurationMs int64
	// DeviceID identifies the target device.
	DeviceID string
	// Transport identifies which transport carried the command ("broker" or "socket").
	Transport string
	// Extra holds transport-specific metadata.
	Extra map[string]any
}
