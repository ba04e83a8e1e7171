package dsp_test

import (
	"math"
	"testing"

	"github.com/MrWong99/looptap/internal/dsp"
	"github.com/MrWong99/looptap/pkg/audio"
)

func TestQuantizeI16Saturates(t *testing.T) {
	t.Parallel()
	got := dsp.QuantizeI16([]float32{1.5, -1.5, 1, -1, 0})
	want := []int16{32767, -32768, 32767, -32767, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestQuantizeI16RoundTrip(t *testing.T) {
	t.Parallel()
	in := make([]float32, 1000)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 37))
	}
	back := dsp.DequantizeI16(dsp.QuantizeI16(in))
	step := 1.0 / 32767
	for i := range in {
		if diff := math.Abs(float64(in[i] - back[i])); diff > step {
			t.Fatalf("sample %d drifted by %v, more than one step", i, diff)
		}
	}
}

func TestQuantizerF32PassesOutOfRange(t *testing.T) {
	t.Parallel()
	q := dsp.NewQuantizer(audio.FormatF32)
	chunk := q.Quantize(audio.Frame{
		Source:     audio.SourceMic,
		Samples:    []float32{2.5, -3},
		SampleRate: 48000,
		Channels:   1,
	})
	if chunk.Format != audio.FormatF32 {
		t.Fatalf("format = %v", chunk.Format)
	}
	if chunk.F32[0] != 2.5 || chunk.F32[1] != -3 {
		t.Errorf("f32 samples clamped: %v", chunk.F32)
	}
	if chunk.I16 != nil {
		t.Errorf("i16 populated on f32 path")
	}
}

func TestQuantizerI16Chunk(t *testing.T) {
	t.Parallel()
	q := dsp.NewQuantizer(audio.FormatI16)
	chunk := q.Quantize(audio.Frame{
		Source:     audio.SourceSystem,
		Samples:    []float32{0, 1},
		SampleRate: 16000,
		Channels:   1,
	})
	if chunk.Len() != 2 {
		t.Fatalf("Len = %d, want 2", chunk.Len())
	}
	if chunk.I16[1] != 32767 {
		t.Errorf("full-scale sample = %d", chunk.I16[1])
	}
	if chunk.SampleRate != 16000 || chunk.Source != audio.SourceSystem {
		t.Errorf("metadata not carried: %+v", chunk)
	}
}
