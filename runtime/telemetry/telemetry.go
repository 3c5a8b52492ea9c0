// Package telemetry defines the logging, metrics and tracing facade used by
// the ingestion and annotation runtime. Components depend on these small
// interfaces; the concrete implementation delegates to goa.design/clue/log
// and OpenTelemetry.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for runtime instrumentation. Tags
	// are alternating key-value pairs.
	Metrics interface {
		IncCounter(ctx context.Context, name string, tags ...string)
		RecordTimer(ctx context.Context, name string, duration time.Duration, tags ...string)
	}
)

// NopLogger discards all log output. Useful as a default and in tests.
type NopLogger struct{}

func (NopLogger) Debug(context.Context, string, ...any) {}
func (NopLogger) Info(context.Context, string, ...any)  {}
func (NopLogger) Warn(context.Context, string, ...any)  {}
func (NopLogger) Error(context.Context, string, ...any) {}

// NopMetrics discards all metrics.
type NopMetrics struct{}

func (NopMetrics) IncCounter(context.Context, string, ...string)                {}
func (NopMetrics) RecordTimer(context.Context, string, time.Duration, ...string) {}
