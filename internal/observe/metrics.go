// Package observe provides application-wide observability primitives for
// looptap: OpenTelemetry metrics, structured logging helpers, and the HTTP
// middleware for the local metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all looptap metrics.
const meterName = "github.com/MrWong99/looptap"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks per-stage processing latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// FramesProcessed counts frames through the pipeline. Use with attributes:
	//   attribute.String("source", ...), attribute.String("direction", "in"|"out")
	FramesProcessed metric.Int64Counter

	// CaptureDrops counts frames evicted under backpressure. Use with attribute:
	//   attribute.String("source", ...)
	CaptureDrops metric.Int64Counter

	// CaptureReconnects counts successful capture stream recoveries.
	CaptureReconnects metric.Int64Counter

	// PipelineErrors counts degradation events. Use with attribute:
	//   attribute.String("kind", "processor"|"drain"|"callback"|"dispatch")
	PipelineErrors metric.Int64Counter

	// TunerDelay reports the currently applied echo delay in milliseconds.
	TunerDelay metric.Int64Gauge

	// TunerERLE reports the smoothed echo-return-loss estimate in dB.
	TunerERLE metric.Float64Gauge

	// TunerRollbacks counts delay tuner rollback steps.
	TunerRollbacks metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time on the local
	// endpoint. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets defines histogram bucket boundaries (in seconds) sized for
// per-block DSP work, which should stay well under the 10 ms block length.
var stageBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// httpBuckets covers the local metrics/health endpoint.
var httpBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("looptap.stage.duration",
		metric.WithDescription("Per-stage processing latency by pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("looptap.frames",
		metric.WithDescription("Frames through the pipeline by source and direction."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDrops, err = m.Int64Counter("looptap.capture.drops",
		metric.WithDescription("Frames evicted under backpressure by source."),
	); err != nil {
		return nil, err
	}
	if met.CaptureReconnects, err = m.Int64Counter("looptap.capture.reconnects",
		metric.WithDescription("Successful capture stream recoveries."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("looptap.pipeline.errors",
		metric.WithDescription("Pipeline degradation events by kind."),
	); err != nil {
		return nil, err
	}
	if met.TunerDelay, err = m.Int64Gauge("looptap.tuner.delay",
		metric.WithDescription("Currently applied echo delay."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if met.TunerERLE, err = m.Float64Gauge("looptap.tuner.erle",
		metric.WithDescription("Smoothed echo return loss enhancement estimate."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.TunerRollbacks, err = m.Int64Counter("looptap.tuner.rollbacks",
		metric.WithDescription("Delay tuner rollback steps."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("looptap.http.request.duration",
		metric.WithDescription("HTTP request processing time on the local endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global OTel meter provider. Instruments are created on first use; creation
// errors fall back to the no-op provider's instruments.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
