package aec

import "github.com/MrWong99/looptap/pkg/audio"

const (
	// gateThreshold is the RMS level below which a block counts as noise.
	gateThreshold = 0.005

	// gateHoldBlocks keeps the gate open after the last loud block so word
	// tails are not clipped. 12 blocks is 120 ms at the processing quantum.
	gateHoldBlocks = 12

	// gateAttenuation scales closed-gate blocks instead of hard muting,
	// which sounds less abrupt on the residual noise floor.
	gateAttenuation = 0.1
)

// NoiseGate attenuates blocks whose energy stays below a threshold, with a
// hold period so speech tails pass through. Applied to the mic stream after
// echo cancellation to suppress the residual floor.
type NoiseGate struct {
	hold int
}

func NewNoiseGate() *NoiseGate {
	return &NoiseGate{}
}

// Apply gates one block in place and returns it.
func (g *NoiseGate) Apply(samples []float32) []float32 {
	if audio.RMS(samples) >= gateThreshold {
		g.hold = gateHoldBlocks
		return samples
	}
	if g.hold > 0 {
		g.hold--
		return samples
	}
	for i := range samples {
		samples[i] *= gateAttenuation
	}
	return samples
}

// Reset closes the gate immediately.
func (g *NoiseGate) Reset() { g.hold = 0 }
