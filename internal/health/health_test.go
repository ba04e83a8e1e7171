package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/looptap/internal/stats"
)

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "ok" {
		t.Errorf("status field = %q, want ok", res.Status)
	}
}

func TestReadyzAllChecksPass(t *testing.T) {
	t.Parallel()
	h := New(nil,
		Checker{Name: "audio_host", Check: func(context.Context) error { return nil }},
		Checker{Name: "capture", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Checks["audio_host"] != "ok" || res.Checks["capture"] != "ok" {
		t.Errorf("checks = %v", res.Checks)
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	t.Parallel()
	h := New(nil,
		Checker{Name: "audio_host", Check: func(context.Context) error { return nil }},
		Checker{Name: "capture", Check: func(context.Context) error { return errors.New("device lost") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "fail" {
		t.Errorf("status field = %q, want fail", res.Status)
	}
	if res.Checks["capture"] != "fail: device lost" {
		t.Errorf("capture check = %q", res.Checks["capture"])
	}
}

func TestStatszReportsSnapshot(t *testing.T) {
	t.Parallel()
	collector := stats.NewCollector()
	collector.IncrFramesIn(false)
	collector.IncrFramesIn(false)

	h := New(collector.Snapshot)
	rec := httptest.NewRecorder()
	h.Statsz(rec, httptest.NewRequest(http.MethodGet, "/statsz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap stats.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.FramesInMic != 2 {
		t.Errorf("frames in mic = %d, want 2", snap.FramesInMic)
	}
}

func TestStatszWithoutStatsFunc(t *testing.T) {
	t.Parallel()
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Statsz(rec, httptest.NewRequest(http.MethodGet, "/statsz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
