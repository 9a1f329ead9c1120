// Package observe provides application-wide observability primitives for
// GateBud: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all GateBud metrics.
const meterName = "github.com/MrWong99/gatebud"

// Status values used with the "status" attribute.
const (
	StatusOK        = "ok"
	StatusDropped   = "dropped"
	StatusMalformed = "malformed"
	StatusFailed    = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from start() to the transport's opened
	// signal. Use with attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// DecodeDuration tracks per-chunk PCM decode time.
	DecodeDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts capture windows by outcome. Use with attribute:
	//   attribute.String("status", "ok"|"dropped")
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound reply chunks by outcome. Use with attribute:
	//   attribute.String("status", "ok"|"malformed"|"failed")
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in signals handled by the scheduler.
	Interruptions metric.Int64Counter

	// TransportErrors counts transport failures. Use with attribute:
	//   attribute.String("kind", "open"|"runtime"|"device")
	TransportErrors metric.Int64Counter

	// StateTransitions counts lifecycle transitions. Use with attribute:
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueued tracks scheduled voices that have not finished.
	PlaybackQueued metric.Int64UpDownCounter

	// PlaybackLead records, at each scheduling decision, how far the next
	// start lies ahead of the playback clock.
	PlaybackLead metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("gatebud.session.connect.duration",
		metric.WithDescription("Time from start to transport ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("gatebud.playback.decode.duration",
		metric.WithDescription("Latency of decoding one reply chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("gatebud.playback.lead",
		metric.WithDescription("Audio queued ahead of the playback clock at scheduling time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("gatebud.capture.frames",
		metric.WithDescription("Capture windows by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("gatebud.playback.chunks",
		metric.WithDescription("Inbound reply chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("gatebud.playback.interruptions",
		metric.WithDescription("Barge-in interruptions handled."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("gatebud.transport.errors",
		metric.WithDescription("Transport and device failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("gatebud.session.transitions",
		metric.WithDescription("Lifecycle state transitions by target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("gatebud.active_sessions",
		metric.WithDescription("Number of sessions in the active state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueued, err = m.Int64UpDownCounter("gatebud.playback.queued",
		metric.WithDescription("Scheduled reply buffers not yet finished."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gatebud.http.request.duration",
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

// RecordCaptureFrame counts one capture window with the given status.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, status string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackChunk counts one inbound chunk with the given status.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransportError counts one failure of the given kind.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransition counts one lifecycle transition into state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordConnect records connect latency with the given status.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, status string) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
