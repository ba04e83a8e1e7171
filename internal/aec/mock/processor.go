// Package mock provides test doubles for the aec package.
package mock

import "github.com/MrWong99/looptap/internal/aec"

// FrameProcessor is a configurable [aec.FrameProcessor] double.
type FrameProcessor struct {
	// ProcessFunc handles ProcessFrame calls. When nil the near-end block
	// is returned unchanged with no ERLE estimate.
	ProcessFunc func(near, far []float32) (aec.Result, error)

	// DrainErr is returned from Drain.
	DrainErr error

	Frames  int
	Drained int
}

func (m *FrameProcessor) ProcessFrame(near, far []float32) (aec.Result, error) {
	m.Frames++
	if m.ProcessFunc != nil {
		return m.ProcessFunc(near, far)
	}
	return aec.Result{Samples: near}, nil
}

func (m *FrameProcessor) Drain() error {
	m.Drained++
	return m.DrainErr
}
