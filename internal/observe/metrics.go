// Package observe provides application-wide observability primitives for
// Zeno: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Zeno metrics.
const meterName = "github.com/MrWong99/zeno"

// Tool call outcomes recorded by [Metrics.RecordToolCall].
const (
	ToolOK          = "ok"
	ToolRejected    = "rejected"
	ToolUnknownTool = "unknown_tool"
)

// Audio chunk directions recorded by [Metrics.RecordAudioChunk].
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// Sessions counts finished voice sessions. Use with attribute:
	//   attribute.String("outcome", ...) (stopped|closed|error|connect_failed|acquire_failed)
	Sessions metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long sessions stayed open.
	SessionDuration metric.Float64Histogram

	// ConnectDuration tracks the time from Start to the transport opening.
	ConnectDuration metric.Float64Histogram

	// --- Conversation ---

	// AudioChunks counts streamed audio chunks. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioChunks metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// Interruptions counts user barge-ins.
	Interruptions metric.Int64Counter

	// TransportErrors counts fatal transport errors. Use with attribute:
	//   attribute.String("provider", ...)
	TransportErrors metric.Int64Counter

	// StatusTransitions counts status changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StatusTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers session lengths from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Sessions, err = m.Int64Counter("zeno.sessions",
		metric.WithDescription("Total voice sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("zeno.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("zeno.session.duration",
		metric.WithDescription("Length of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("zeno.connect.duration",
		metric.WithDescription("Latency from session start to transport open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioChunks, err = m.Int64Counter("zeno.audio.chunks",
		metric.WithDescription("Total audio chunks by direction."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("zeno.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("zeno.turns",
		metric.WithDescription("Total completed model turns."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("zeno.interruptions",
		metric.WithDescription("Total user interruptions of model playback."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("zeno.transport.errors",
		metric.WithDescription("Total fatal transport errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.StatusTransitions, err = m.Int64Counter("zeno.status.transitions",
		metric.WithDescription("Total session status transitions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("zeno.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records a tool call with its outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordAudioChunk counts one audio chunk in the given direction.
func (m *Metrics) RecordAudioChunk(ctx context.Context, direction string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordTransportError counts a fatal transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, provider string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StatusTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// SessionStarted marks a session as live.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records the end of a live session.
func (m *Metrics) SessionEnded(ctx context.Context, outcome string, d time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.SessionDuration.Record(ctx, d.Seconds())
}

// SessionFailed counts a session that never went live.
func (m *Metrics) SessionFailed(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
