// Package telemetry defines the logging, metrics and tracing ports shared by
// every mailroom component. Implementations wrap goa.design/clue and
// OpenTelemetry; the noop implementations keep tests and optional wiring
// quiet.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. Tags are flat k1, v1, k2,
	// v2 pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans for distributed tracing.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a minimal view over an in-flight trace span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Operator-facing health counters: failed events, pending suggestions and
// poison payloads together cover pipeline health.
const (
	CounterEventsFailed       = "mailroom_events_failed_total"
	CounterSuggestionsPending = "mailroom_suggestions_pending_total"
	CounterStreamPoison       = "mailroom_stream_poison_total"
)
