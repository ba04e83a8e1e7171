// Package dsp contains the stream-processing stages of the capture pipeline:
// timestamp alignment, streaming resampling, fixed-quantum chunking, and
// output quantization.
//
// Stages that buffer across frame boundaries implement [Processor]; the
// orchestrator drives each source's chain frame by frame and flushes every
// stage on stop.
package dsp

import "github.com/MrWong99/looptap/pkg/audio"

// Processor is one stage in a per-source processing chain.
//
// Process consumes a frame and returns zero or more output frames: zero when
// the stage needs more input, more than one when buffered input completes
// several output quanta at once. Implementations are not safe for concurrent
// use; each execution unit owns its chain.
type Processor interface {
	// Name is a short stable label used for per-stage timing stats.
	Name() string

	// Process consumes one frame and returns the output frames it completes.
	Process(frame audio.Frame) ([]audio.Frame, error)

	// Flush emits any remaining buffered data at stop time.
	Flush() ([]audio.Frame, error)

	// Reset restores the stage to its initial state for a new run.
	Reset()
}

// Passthrough forwards frames unchanged. Used in tests and as the placeholder
// stage for disabled features.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Process(frame audio.Frame) ([]audio.Frame, error) {
	return []audio.Frame{frame}, nil
}

func (Passthrough) Flush() ([]audio.Frame, error) { return nil, nil }

func (Passthrough) Reset() {}
