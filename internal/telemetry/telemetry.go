// Package telemetry defines the ambient logging, metrics, and tracing
// surfaces used throughout the engine, event/command stores, and worker.
//
// The engine never calls a concrete logging library directly; it depends on
// the small interfaces here so that tests can inject no-op implementations
// and production binaries can wire goa.design/clue and OpenTelemetry without
// either concern leaking into control-flow code.
package telemetry

import "context"

type (
	// Logger emits structured log lines. Implementations are expected to be
	// safe for concurrent use.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and histograms for engine operations:
	// commands issued, events appended, loop slots claimed, render cache
	// hits, etc.
	Metrics interface {
		IncCounter(ctx context.Context, name string, delta int64, keyvals ...any)
		ObserveDuration(ctx context.Context, name string, seconds float64, keyvals ...any)
	}

	// Tracer starts spans around engine operations (handle_event,
	// load_state, render, tool execution).
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is the handle returned by Tracer.StartSpan.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}
)

// Noop implementations satisfy all three interfaces and are used as the
// default when no concrete adapter is configured, matching the teacher's
// "noop substituted for nil" convention.
type (
	noopLogger  struct{}
	noopMetrics struct{}
	noopTracer  struct{}
	noopSpan    struct{}
)

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return noopLogger{} }

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics { return noopMetrics{} }

// NewNoopTracer returns a Tracer that discards everything.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(context.Context, string, int64, ...any)       {}
func (noopMetrics) ObserveDuration(context.Context, string, float64, ...any) {}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}
