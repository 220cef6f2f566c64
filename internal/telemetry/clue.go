package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger delegates to goa.design/clue/log. The logger reads
	// formatting and debug settings from the context, configured once at
	// process startup via log.Context/log.WithFormat/log.WithDebug.
	ClueLogger struct{}

	// ClueMetrics delegates to the global OTEL MeterProvider.
	ClueMetrics struct {
		meter  metric.Meter
		ctrs   map[string]metric.Int64Counter
		histos map[string]metric.Float64Histogram
	}

	// ClueTracer delegates to the global OTEL TracerProvider.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics constructs a Metrics recorder backed by OTEL metrics.
// Counters and histograms are created lazily per metric name.
func NewClueMetrics() *ClueMetrics {
	return &ClueMetrics{
		meter:  otel.Meter("github.com/noetl/noetl-go/engine"),
		ctrs:   map[string]metric.Int64Counter{},
		histos: map[string]metric.Float64Histogram{},
	}
}

// NewClueTracer constructs a Tracer backed by OTEL tracing.
func NewClueTracer() Tracer {
	return ClueTracer{tracer: otel.Tracer("github.com/noetl/noetl-go/engine")}
}

func kvToClue(keyvals []any) []log.Fielder {
	fielders := make([]log.Fielder, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fielders = append(fielders, log.KV{K: k, V: keyvals[i+1]})
	}
	return fielders
}

// Debug emits a debug-level log line.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

// Info emits an info-level log line.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

// Warn emits a warning-level log line.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

// Error emits an error-level log line.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

// IncCounter adds delta to the named counter, creating it on first use.
func (m *ClueMetrics) IncCounter(ctx context.Context, name string, delta int64, keyvals ...any) {
	c, ok := m.ctrs[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			return
		}
		m.ctrs[name] = c
	}
	c.Add(ctx, delta, metric.WithAttributes(attrsFromKV(keyvals)...))
}

// ObserveDuration records seconds into the named histogram, creating it on
// first use.
func (m *ClueMetrics) ObserveDuration(ctx context.Context, name string, seconds float64, keyvals ...any) {
	h, ok := m.histos[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		m.histos[name] = h
	}
	h.Record(ctx, seconds, metric.WithAttributes(attrsFromKV(keyvals)...))
}

func attrsFromKV(keyvals []any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, attribute.String(k, toStr(keyvals[i+1])))
	}
	return out
}

func toStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// StartSpan starts a named OTEL span.
func (t ClueTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, clueSpan{span: span}
}

// SetAttribute attaches a string-keyed attribute to the span.
func (s clueSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(attribute.String(key, toStr(value)))
}

// RecordError marks the span as failed and records the error.
func (s clueSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End closes the span.
func (s clueSpan) End() { s.span.End() }
