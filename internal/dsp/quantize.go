package dsp

import "github.com/MrWong99/looptap/pkg/audio"

// Quantizer converts processed float frames into delivery chunks in the
// configured output format. The f32 path passes samples through untouched,
// including values outside [-1, 1].
type Quantizer struct {
	format audio.SampleFormat
}

func NewQuantizer(format audio.SampleFormat) *Quantizer {
	return &Quantizer{format: format}
}

// Quantize converts one frame into its delivery representation.
func (q *Quantizer) Quantize(frame audio.Frame) audio.Chunk {
	chunk := audio.Chunk{
		Source:     frame.Source,
		Format:     q.format,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Timestamp:  frame.Timestamp,
	}
	switch q.format {
	case audio.FormatI16:
		chunk.I16 = QuantizeI16(frame.Samples)
	default:
		chunk.F32 = frame.Samples
	}
	return chunk
}

// QuantizeI16 converts float samples to 16-bit integers, rounding to nearest
// and saturating out-of-range input instead of wrapping.
func QuantizeI16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767
		if v >= 0 {
			v += 0.5
		} else {
			v -= 0.5
		}
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// DequantizeI16 is the inverse of [QuantizeI16] up to one quantization step.
func DequantizeI16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32767
	}
	return out
}
