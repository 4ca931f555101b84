// Package observe provides the OpenTelemetry metrics, tracing and
// trace-aware logging used across the generation pipeline.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping via [InitProvider]. Tests should build their own
// [Metrics] with [NewMetrics] and a manual reader instead of using
// [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/example/go-omni"

// Metrics holds the metric instruments for the generation pipeline.
type Metrics struct {
	// FrontendDuration tracks audio encoder latency.
	FrontendDuration metric.Float64Histogram

	// PrefillDuration tracks text model prefill latency.
	PrefillDuration metric.Float64Histogram

	// VocoderDuration tracks per-chunk waveform synthesis latency.
	VocoderDuration metric.Float64Histogram

	// ResponseDuration tracks end-to-end Respond latency.
	ResponseDuration metric.Float64Histogram

	// RTF records the real-time factor of each completed response.
	RTF metric.Float64Histogram

	// TextTokens counts generated text tokens.
	TextTokens metric.Int64Counter

	// SpeechTokens counts generated speech tokens.
	SpeechTokens metric.Int64Counter

	// Chunks counts waveform chunks delivered to sinks. Use with
	// attribute.Bool("terminal", ...).
	Chunks metric.Int64Counter

	// Responses counts finished requests. Use with
	// attribute.String("outcome", ...).
	Responses metric.Int64Counter

	// ActiveSessions tracks requests holding an executor lease.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request latency by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var rtfBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 4, 8,
}

// NewMetrics creates a [Metrics] using the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrontendDuration, err = m.Float64Histogram("omni.frontend.duration",
		metric.WithDescription("Latency of the audio encoder."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PrefillDuration, err = m.Float64Histogram("omni.prefill.duration",
		metric.WithDescription("Latency of the text model prefill."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VocoderDuration, err = m.Float64Histogram("omni.vocoder.duration",
		metric.WithDescription("Latency of waveform synthesis per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("omni.response.duration",
		metric.WithDescription("End-to-end response latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RTF, err = m.Float64Histogram("omni.response.rtf",
		metric.WithDescription("Audio processing time divided by audio input duration."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TextTokens, err = m.Int64Counter("omni.text.tokens",
		metric.WithDescription("Total generated text tokens."),
	); err != nil {
		return nil, err
	}
	if met.SpeechTokens, err = m.Int64Counter("omni.speech.tokens",
		metric.WithDescription("Total generated speech tokens."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("omni.waveform.chunks",
		metric.WithDescription("Total waveform chunks delivered by terminal flag."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("omni.responses",
		metric.WithDescription("Total finished responses by outcome."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("omni.active_sessions",
		metric.WithDescription("Number of requests holding an executor lease."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("omni.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordChunk counts one delivered waveform chunk.
func (m *Metrics) RecordChunk(ctx context.Context, terminal bool) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("terminal", terminal)))
}

// RecordResponse counts one finished request. Outcome is one of "ok",
// "cancelled", "invalid_prompt", "invalid_config", "decode_failure",
// "synthesis_failure" or "error".
func (m *Metrics) RecordResponse(ctx context.Context, outcome string) {
	m.Responses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
