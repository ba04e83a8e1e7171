package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestStageDurationObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.StageDuration.Record(ctx, 0.0008, metric.WithAttributes(attribute.String("stage", "aec")))
	m.StageDuration.Record(ctx, 0.0012, metric.WithAttributes(attribute.String("stage", "aec")))

	rm := collect(t, reader)
	found := findMetric(rm, "looptap.stage.duration")
	if found == nil {
		t.Fatal("looptap.stage.duration not found")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d data points, want 1", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Count != 2 {
		t.Errorf("count = %d, want 2", hist.DataPoints[0].Count)
	}
}

func TestFrameCounterAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesProcessed.Add(ctx, 3, metric.WithAttributes(
		attribute.String("source", "mic"),
		attribute.String("direction", "in"),
	))
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", "system"),
		attribute.String("direction", "in"),
	))

	rm := collect(t, reader)
	found := findMetric(rm, "looptap.frames")
	if found == nil {
		t.Fatal("looptap.frames not found")
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("got %d data points, want 2", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 4 {
		t.Errorf("total frames = %d, want 4", total)
	}
}

func TestTunerGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TunerDelay.Record(ctx, 60)
	m.TunerDelay.Record(ctx, 64)
	m.TunerERLE.Record(ctx, 4.2)

	rm := collect(t, reader)
	found := findMetric(rm, "looptap.tuner.delay")
	if found == nil {
		t.Fatal("looptap.tuner.delay not found")
	}
	gauge, ok := found.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if got := gauge.DataPoints[0].Value; got != 64 {
		t.Errorf("delay gauge = %d, want last-written 64", got)
	}
	if findMetric(rm, "looptap.tuner.erle") == nil {
		t.Error("looptap.tuner.erle not found")
	}
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want propagated 418", rec.Code)
	}
	rm := collect(t, reader)
	found := findMetric(rm, "looptap.http.request.duration")
	if found == nil {
		t.Fatal("looptap.http.request.duration not found")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("count = %d, want 1", hist.DataPoints[0].Count)
	}
}
