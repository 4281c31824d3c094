// Package observe provides application-wide observability primitives for
// MaestroCat: OpenTelemetry metric instruments for the audio path, the
// global provider setup, and the instrumentation middleware for the status
// server.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all MaestroCat metrics.
const meterName = "github.com/dusterbloom/maestrocat"

// Metrics holds all OpenTelemetry metric instruments for the audio path.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DecodeDuration tracks inbound chunk decode latency.
	DecodeDuration metric.Float64Histogram

	// ScheduleGap tracks the forward silence gap inserted when a chunk
	// arrives after the cursor has fallen behind real time. Zero for
	// gapless back-to-back scheduling.
	ScheduleGap metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames transmitted to the service.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames dropped before transmission.
	// Use with attribute: attribute.String("reason", ...)
	// (reasons: "disconnected", "overrun", "send_error").
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound chunks submitted for playback.
	ChunksScheduled metric.Int64Counter

	// ChunksCancelled counts chunks cancelled by an interruption or reset.
	ChunksCancelled metric.Int64Counter

	// DecodeErrors counts inbound chunks dropped because they could not be
	// decoded.
	DecodeErrors metric.Int64Counter

	// Interrupts counts interruption resets. Use with attribute:
	//   attribute.String("source", ...) ("local", "control", "reconnect").
	Interrupts metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("status", ...) ("success", "failure", "exhausted").
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// PendingChunks tracks the number of chunks currently scheduled but not
	// yet finished on the output device.
	PendingChunks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request processing time. Use
	// with attributes: attribute.String("route", ...),
	// attribute.Int("status", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for per-chunk audio-path latencies.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("maestrocat.playback.decode.duration",
		metric.WithDescription("Latency of inbound chunk decoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScheduleGap, err = m.Float64Histogram("maestrocat.playback.schedule.gap",
		metric.WithDescription("Forward silence gap inserted ahead of a scheduled chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("maestrocat.capture.frames_sent",
		metric.WithDescription("Total capture frames transmitted."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("maestrocat.capture.frames_dropped",
		metric.WithDescription("Total capture frames dropped before transmission, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("maestrocat.playback.chunks_scheduled",
		metric.WithDescription("Total inbound chunks submitted for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksCancelled, err = m.Int64Counter("maestrocat.playback.chunks_cancelled",
		metric.WithDescription("Total chunks cancelled by interruptions or resets."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("maestrocat.playback.decode_errors",
		metric.WithDescription("Total inbound chunks dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("maestrocat.playback.interrupts",
		metric.WithDescription("Total interruption resets, by source."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("maestrocat.transport.reconnects",
		metric.WithDescription("Total reconnection attempts, by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PendingChunks, err = m.Int64UpDownCounter("maestrocat.playback.pending_chunks",
		metric.WithDescription("Chunks scheduled but not yet finished on the output device."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("maestrocat.http.request.duration",
		metric.WithDescription("Status server request latency by route and status."),
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

// RecordFrameDropped records one dropped capture frame with the standard
// reason attribute.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordInterrupt records one interruption reset with its trigger source.
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	m.Interrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordReconnect records one reconnection attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
