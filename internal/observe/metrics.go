// Package observe provides application-wide observability primitives for
// reminisce: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all reminisce metrics.
const meterName = "github.com/MrWong99/reminisce"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Connect until the peer's
	// "connected" acknowledgement.
	ConnectDuration metric.Float64Histogram

	// UploadDuration tracks transcript upload latency. Use with attribute:
	//   attribute.String("sink", ...)
	UploadDuration metric.Float64Histogram

	// --- Capture counters ---

	// CaptureFrames counts outbound frames handed to the transport.
	CaptureFrames metric.Int64Counter

	// CaptureOverflows counts device buffers dropped because the capture
	// worker fell behind.
	CaptureOverflows metric.Int64Counter

	// --- Playback counters ---

	// PlaybackChunks counts inbound audio chunks accepted by the scheduler.
	PlaybackChunks metric.Int64Counter

	// PlaybackUnderflows counts chunks re-anchored because the scheduled
	// timeline fell behind the output clock.
	PlaybackUnderflows metric.Int64Counter

	// PlaybackDrains counts completed playback rounds.
	PlaybackDrains metric.Int64Counter

	// PlaybackClears counts interruptions that discarded scheduled audio.
	PlaybackClears metric.Int64Counter

	// SequenceGaps counts inbound audio chunks whose header sequence number
	// skipped ahead of the previous one.
	SequenceGaps metric.Int64Counter

	// --- Session counters ---

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// TranscriptUploads counts transcript persistence attempts. Use with
	// attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	TranscriptUploads metric.Int64Counter

	// BackendRequests counts therapy-session REST calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCaptures tracks whether a capture pipeline holds the microphone.
	ActiveCaptures metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration times operations server requests, labelled by
	// method, route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("reminisce.session.connect.duration",
		metric.WithDescription("Time from connect until the peer acknowledged the session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("reminisce.transcript.upload.duration",
		metric.WithDescription("Latency of transcript uploads by sink."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.CaptureFrames, "reminisce.capture.frames", "Outbound audio frames handed to the transport."},
		{&met.CaptureOverflows, "reminisce.capture.overflows", "Device buffers dropped because the capture worker fell behind."},
		{&met.PlaybackChunks, "reminisce.playback.chunks", "Inbound audio chunks accepted by the playback scheduler."},
		{&met.PlaybackUnderflows, "reminisce.playback.underflows", "Playback chunks re-anchored after the timeline fell behind."},
		{&met.PlaybackDrains, "reminisce.playback.drains", "Completed playback rounds."},
		{&met.PlaybackClears, "reminisce.playback.clears", "Interruptions that discarded scheduled audio."},
		{&met.SequenceGaps, "reminisce.playback.sequence_gaps", "Inbound audio chunks whose sequence number skipped ahead."},
		{&met.StateTransitions, "reminisce.session.state_transitions", "Session state changes by source and target state."},
		{&met.TranscriptUploads, "reminisce.transcript.uploads", "Transcript persistence attempts by sink and status."},
		{&met.BackendRequests, "reminisce.backend.requests", "Therapy-session REST calls by operation and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("reminisce.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("reminisce.active_captures",
		metric.WithDescription("Number of capture pipelines holding the microphone."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("reminisce.http.request.duration",
		metric.WithDescription("Operations server request latency by method, route and status."),
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

// RecordStateTransition records one session state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordTranscriptUpload records a transcript upload outcome and its latency.
func (m *Metrics) RecordTranscriptUpload(ctx context.Context, sink, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("sink", sink))
	m.UploadDuration.Record(ctx, seconds, attrs)
	m.TranscriptUploads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
}

// RecordBackendRequest records a therapy-session REST call outcome.
func (m *Metrics) RecordBackendRequest(ctx context.Context, op, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
