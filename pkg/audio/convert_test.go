package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/looptap/pkg/audio"
)

func TestDownmixMono(t *testing.T) {
	t.Parallel()

	stereo := []float32{1.0, 0.0, 0.5, -0.5}
	got := audio.DownmixMono(stereo, 2)
	want := []float32{0.5, 0.0}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmixMono_PassthroughForMono(t *testing.T) {
	t.Parallel()

	mono := []float32{0.1, 0.2}
	got := audio.DownmixMono(mono, 1)
	if &got[0] != &mono[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestUpmixStereo(t *testing.T) {
	t.Parallel()

	got := audio.UpmixStereo([]float32{0.25, -0.25})
	want := []float32{0.25, 0.25, -0.25, -0.25}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}

func TestIsActive(t *testing.T) {
	t.Parallel()

	if audio.IsActive([]float32{0, 0, 0}, 1e-4) {
		t.Error("silence should be inactive")
	}
	if !audio.IsActive([]float32{0, -0.01, 0}, 1e-4) {
		t.Error("negative excursion should count as active")
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Samples: make([]float32, 960), SampleRate: 48000, Channels: 2}
	if got := f.Duration(); got.Milliseconds() != 10 {
		t.Errorf("Duration = %v, want 10ms", got)
	}

	var zero audio.Frame
	if zero.Duration() != 0 {
		t.Error("zero frame should have zero duration")
	}
}

func TestSourceString(t *testing.T) {
	t.Parallel()

	if audio.SourceMic.String() != "mic" || audio.SourceSystem.String() != "system" {
		t.Errorf("unexpected source labels: %q, %q", audio.SourceMic, audio.SourceSystem)
	}
}

func TestSampleFormatIsValid(t *testing.T) {
	t.Parallel()

	if !audio.FormatI16.IsValid() || !audio.FormatF32.IsValid() {
		t.Error("known formats should be valid")
	}
	if audio.SampleFormat("u8").IsValid() {
		t.Error("unknown format should be invalid")
	}
}
