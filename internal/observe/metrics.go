// Package observe provides application-wide observability primitives for
// Athena: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Athena metrics.
const meterName = "github.com/MrWong99/athena"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks how long listening and dictation sessions run.
	// Use with attribute.String("kind", "pipeline"|"dictation").
	SessionDuration metric.Float64Histogram

	// FinishDuration tracks how long a graceful stop waits for the final
	// transcript.
	FinishDuration metric.Float64Histogram

	// SpectrumDuration tracks the processing time of one FFT analysis window.
	SpectrumDuration metric.Float64Histogram

	// --- Counters ---

	// TranscriptEvents counts events emitted by the transcriber. Use with
	// attribute.String("kind", ...).
	TranscriptEvents metric.Int64Counter

	// SuppressedPartials counts backend partials swallowed because they were
	// shorter than the retained transcript.
	SuppressedPartials metric.Int64Counter

	// BackendRestarts counts transparent backend restarts after a "no speech"
	// error.
	BackendRestarts metric.Int64Counter

	// StateTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("component", ...), attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// StopCommands counts spoken stop-phrases recognised during dictation.
	StopCommands metric.Int64Counter

	// DroppedFrames counts audio frames a consumer could not keep up with.
	// Use with attribute.String("consumer", ...).
	DroppedFrames metric.Int64Counter

	// DroppedNotifications counts notifications a subscriber missed because
	// its buffer was full. Use with attribute.String("component", ...).
	DroppedNotifications metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session-level latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// dspBuckets covers per-window signal processing, which runs in microseconds.
var dspBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("athena.session.duration",
		metric.WithDescription("Duration of capture sessions by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinishDuration, err = m.Float64Histogram("athena.transcriber.finish.duration",
		metric.WithDescription("Time spent waiting for the final transcript on graceful stop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpectrumDuration, err = m.Float64Histogram("athena.spectrum.window.duration",
		metric.WithDescription("Processing time of one spectral analysis window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dspBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptEvents, err = m.Int64Counter("athena.transcript.events",
		metric.WithDescription("Transcript events emitted by kind."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedPartials, err = m.Int64Counter("athena.transcript.suppressed_partials",
		metric.WithDescription("Backend partials suppressed because they were shorter than the retained text."),
	); err != nil {
		return nil, err
	}
	if met.BackendRestarts, err = m.Int64Counter("athena.stt.restarts",
		metric.WithDescription("Transparent recognition restarts after a no-speech error."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("athena.state.transitions",
		metric.WithDescription("State machine transitions by component, source and target state."),
	); err != nil {
		return nil, err
	}
	if met.StopCommands, err = m.Int64Counter("athena.dictation.stop_commands",
		metric.WithDescription("Spoken stop-phrases recognised during dictation."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("athena.audio.dropped_frames",
		metric.WithDescription("Audio frames dropped by slow consumers."),
	); err != nil {
		return nil, err
	}
	if met.DroppedNotifications, err = m.Int64Counter("athena.notifications.dropped",
		metric.WithDescription("Notifications missed by slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("athena.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("athena.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("athena.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordTranscriptEvent increments the transcript event counter for kind.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, kind string) {
	m.TranscriptEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRestart increments the backend restart counter for component.
func (m *Metrics) RecordRestart(ctx context.Context, component string) {
	m.BackendRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// RecordStateTransition increments the transition counter.
func (m *Metrics) RecordStateTransition(ctx context.Context, component, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordDroppedFrames adds n to the dropped frame counter for consumer.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, consumer string, n int) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n), metric.WithAttributes(attribute.String("consumer", consumer)))
}

// RecordDroppedNotifications adds n to the missed notification counter for
// component.
func (m *Metrics) RecordDroppedNotifications(ctx context.Context, component string, n int64) {
	if n <= 0 {
		return
	}
	m.DroppedNotifications.Add(ctx, n, metric.WithAttributes(attribute.String("component", component)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// SessionStarted bumps the active session gauge and returns a function that
// reverses it and records the session duration. Call the returned function
// exactly once.
func (m *Metrics) SessionStarted(ctx context.Context, kind string) func(seconds float64) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.ActiveSessions.Add(ctx, 1, attrs)
	return func(seconds float64) {
		m.ActiveSessions.Add(context.WithoutCancel(ctx), -1, attrs)
		m.SessionDuration.Record(context.WithoutCancel(ctx), seconds, attrs)
	}
}
