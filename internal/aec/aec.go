// Package aec implements acoustic echo cancellation for the mic stream: an
// adaptive NLMS canceller fed by a timestamp-indexed far-end buffer, a noise
// gate for residual suppression, and a delay tuner that adjusts the
// near/far alignment at runtime based on measured echo return loss.
package aec

// Result carries one processed block and the echo-return-loss-enhancement
// estimate it produced. HasERLE is false when the far-end reference was
// absent or too quiet for a meaningful measurement.
type Result struct {
	Samples []float32
	ERLE    float64
	HasERLE bool
}

// FrameProcessor cancels far-end echo from one near-end block at a time.
// Implementations are stateful and not safe for concurrent use; the mic
// execution unit owns its processor.
type FrameProcessor interface {
	// ProcessFrame cancels far from near. near and far have equal length.
	ProcessFrame(near, far []float32) (Result, error)

	// Drain releases any internal state at the end of a run.
	Drain() error
}

// Counters is the subset of run statistics the cancellation stage reports
// into. Satisfied by the stats collector.
type Counters interface {
	IncrProcessorError()
	IncrProcessorDrainError()
}
