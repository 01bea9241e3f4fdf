// Package observe provides application-wide observability primitives for
// VoxMirror: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all VoxMirror metrics.
const meterName = "github.com/voxmirror/voxmirror"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// IdentifyDuration tracks speaker identification latency.
	IdentifyDuration metric.Float64Histogram

	// RecognizeDuration tracks speech recognition latency.
	RecognizeDuration metric.Float64Histogram

	// TranslateDuration tracks translation latency.
	TranslateDuration metric.Float64Histogram

	// SynthesizeDuration tracks voice synthesis latency.
	SynthesizeDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end chunk latency from intake to emit.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts processed chunks. Use with attribute:
	//   attribute.String("outcome", ...) — "dubbed", "passthrough", "degraded", "dropped"
	Chunks metric.Int64Counter

	// ProviderErrors counts adapter errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// BindingOverrides counts speaker-to-voice rebindings that replaced an
	// existing binding.
	BindingOverrides metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live dubbing sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of distinct speakers currently tracked
	// across all sessions.
	ActiveSpeakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.IdentifyDuration, err = m.Float64Histogram("voxmirror.identify.duration",
		metric.WithDescription("Latency of speaker identification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognizeDuration, err = m.Float64Histogram("voxmirror.recognize.duration",
		metric.WithDescription("Latency of speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("voxmirror.translate.duration",
		metric.WithDescription("Latency of text translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("voxmirror.synthesize.duration",
		metric.WithDescription("Latency of voice synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("voxmirror.pipeline.duration",
		metric.WithDescription("End-to-end chunk latency from intake to emit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Chunks, err = m.Int64Counter("voxmirror.chunks",
		metric.WithDescription("Total processed chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxmirror.provider.errors",
		metric.WithDescription("Total adapter errors by provider and stage."),
	); err != nil {
		return nil, err
	}
	if met.BindingOverrides, err = m.Int64Counter("voxmirror.binding.overrides",
		metric.WithDescription("Total speaker-to-voice rebindings that replaced an existing binding."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxmirror.active_sessions",
		metric.WithDescription("Number of live dubbing sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("voxmirror.active_speakers",
		metric.WithDescription("Number of distinct speakers currently tracked."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxmirror.http.request.duration",
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

// RecordStage records a pipeline stage duration to the stage's histogram.
// Unknown stage names are ignored.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	var h metric.Float64Histogram
	switch stage {
	case "identify":
		h = m.IdentifyDuration
	case "recognize":
		h = m.RecognizeDuration
	case "translate":
		h = m.TranslateDuration
	case "synthesize":
		h = m.SynthesizeDuration
	case "pipeline":
		h = m.PipelineDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordChunk records a chunk outcome counter increment. Outcome is one of
// "dubbed", "passthrough", "degraded", or "dropped".
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.Chunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderError records an adapter error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordBindingOverride records a speaker-to-voice rebinding that replaced an
// existing binding.
func (m *Metrics) RecordBindingOverride(ctx context.Context, speakerID string) {
	m.BindingOverrides.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker_id", speakerID)),
	)
}
