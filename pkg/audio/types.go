// Package audio defines the frame type and sample helpers shared by every
// stage of the looptap capture pipeline.
//
// A [Frame] is the atomic unit of audio transport: produced by a capture
// source, reshaped by the DSP stages, cleaned by the AEC stage, and finally
// quantized into a [Chunk] that is handed to the consumer callback. Frames
// carry float32 PCM internally; the output representation is only decided at
// the quantization stage.
package audio

import "time"

// Source labels which capture stream a frame belongs to.
type Source int

const (
	// SourceMic is the near-end stream: the microphone signal being cleaned.
	SourceMic Source = iota

	// SourceSystem is the far-end stream: system playback used as the AEC
	// reference signal.
	SourceSystem
)

// String returns the wire label for the source ("mic" or "system").
func (s Source) String() string {
	switch s {
	case SourceMic:
		return "mic"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

// SampleFormat selects the output representation produced by the quantizer.
type SampleFormat string

const (
	// FormatI16 emits 16-bit signed integer samples with saturation.
	FormatI16 SampleFormat = "i16"

	// FormatF32 emits float32 samples unchanged. No clamping is applied, so
	// values outside [-1, 1] survive quantization (headroom is preserved).
	FormatF32 SampleFormat = "f32"
)

// IsValid reports whether f is a recognised sample format.
func (f SampleFormat) IsValid() bool {
	return f == FormatI16 || f == FormatF32
}

// Frame is a fixed-duration block of float32 PCM samples from one source.
//
// Frames are handed off by value between stages; the Samples slice transfers
// with the frame and must not be retained by a stage after it has passed the
// frame on.
type Frame struct {
	// Source identifies the capture stream this frame belongs to.
	Source Source

	// Samples holds interleaved float32 PCM in nominal [-1, 1] range.
	Samples []float32

	// SampleRate in Hz at this point in the pipeline (stages may change it).
	SampleRate int

	// Channels is the interleaved channel count (1 or 2).
	Channels int

	// Timestamp is the monotonic capture time of the first sample, relative
	// to an arbitrary per-run epoch.
	Timestamp time.Duration
}

// Duration returns the play time covered by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := len(f.Samples) / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is the quantized output payload delivered to the consumer callback.
// Exactly one of I16 or F32 is populated, matching Format.
type Chunk struct {
	Source     Source
	Format     SampleFormat
	I16        []int16
	F32        []float32
	SampleRate int
	Channels   int
	Timestamp  time.Duration
}

// Len returns the number of samples in the chunk regardless of format.
func (c Chunk) Len() int {
	if c.Format == FormatI16 {
		return len(c.I16)
	}
	return len(c.F32)
}
