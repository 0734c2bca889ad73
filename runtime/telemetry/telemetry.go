// Package telemetry carries the logging, metrics, and tracing seams used by the
// task queue, limiter, and pipeline. Production code wires the clue/OTEL
// implementations; tests use the no-op or recording variants.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the runtime.
const (
	MetricQueuePublished    = "taskstream.queue.published"
	MetricQueueStopped      = "taskstream.queue.stopped"
	MetricRateLimitRejected = "taskstream.ratelimit.rejected"
	MetricRateLimitReaped   = "taskstream.ratelimit.reaped"
	MetricPipelineDuration  = "taskstream.pipeline.duration"
	MetricWorkerPanics      = "taskstream.worker.panics"
)

type (
	// Logger captures structured logging. keyvals alternate string keys and
	// arbitrary values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation over OpenTelemetry.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Telemetry bundles the three seams so components take a single option.
	Telemetry struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Default returns the clue/OTEL backed bundle.
func Default() Telemetry {
	return Telemetry{
		Logger:  NewClueLogger(),
		Metrics: NewOTELMetrics(),
		Tracer:  NewOTELTracer(),
	}
}

// Noop returns a bundle that discards everything.
func Noop() Telemetry {
	return Telemetry{
		Logger:  NewNoopLogger(),
		Metrics: NewNoopMetrics(),
		Tracer:  NewNoopTracer(),
	}
}

// WithDefaults fills nil members of t with no-op implementations.
func (t Telemetry) WithDefaults() Telemetry {
	if t.Logger == nil {
		t.Logger = NewNoopLogger()
	}
	if t.Metrics == nil {
		t.Metrics = NewNoopMetrics()
	}
	if t.Tracer == nil {
		t.Tracer = NewNoopTracer()
	}
	return t
}
