// Package observe provides application-wide observability primitives for
// Talvox: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Talvox metrics.
const meterName = "github.com/talvox/talvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// ConnectDuration tracks how long a session spends connecting: device
	// acquisition plus dial plus handshake.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks recorded session length. Use with attribute:
	//   attribute.String("outcome", "completed"|"interrupted")
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio path ---

	// AudioChunksSent counts encoded audio chunks handed to the link.
	AudioChunksSent metric.Int64Counter

	// AudioChunksDropped counts chunks the link discarded under backpressure.
	AudioChunksDropped metric.Int64Counter

	// --- Link events ---

	// LinkEvents counts inbound recognition events. Use with attribute:
	//   attribute.String("type", ...)
	LinkEvents metric.Int64Counter

	// EventsDropped counts events the aggregator discarded as malformed.
	EventsDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin listener request processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connect and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers recorded session lengths, from a few seconds up to an
// hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("talvox.link.connect.duration",
		metric.WithDescription("Time from session start to recording: capture open, dial, handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("talvox.session.duration",
		metric.WithDescription("Recorded session length by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunksSent, err = m.Int64Counter("talvox.audio.chunks_sent",
		metric.WithDescription("Total encoded audio chunks handed to the link."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksDropped, err = m.Int64Counter("talvox.audio.chunks_dropped",
		metric.WithDescription("Total audio chunks dropped by the link under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.LinkEvents, err = m.Int64Counter("talvox.link.events",
		metric.WithDescription("Total inbound recognition events by type."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("talvox.aggregator.events_dropped",
		metric.WithDescription("Total events discarded by the aggregator as malformed."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talvox.sessions.active",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talvox.http.request.duration",
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

// RecordLinkEvent records one inbound recognition event of the given type.
func (m *Metrics) RecordLinkEvent(ctx context.Context, eventType string) {
	m.LinkEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordSessionEnd records the length of a finished session with its outcome
// ("completed" or "interrupted").
func (m *Metrics) RecordSessionEnd(ctx context.Context, seconds float64, outcome string) {
	m.SessionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
