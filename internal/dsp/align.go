package dsp

import (
	"sync"
	"time"

	"github.com/MrWong99/looptap/pkg/audio"
)

// Aligner rebases capture timestamps onto a shared per-run epoch.
//
// The mic and system taps report timestamps on independent clocks; the
// aligner records the first timestamp seen per source and shifts every
// subsequent frame so both streams start at zero while per-source spacing is
// preserved. Shared by both execution units, so it is safe for concurrent
// use (unlike the other stages, which are per-source).
type Aligner struct {
	mu       sync.Mutex
	micFirst time.Duration
	sysFirst time.Duration
	micSeen  bool
	sysSeen  bool
}

// NewAligner returns an Aligner with no recorded baselines.
func NewAligner() *Aligner {
	return &Aligner{}
}

func (a *Aligner) Name() string { return "align" }

// Process rebases the frame timestamp onto the run epoch.
func (a *Aligner) Process(frame audio.Frame) ([]audio.Frame, error) {
	a.mu.Lock()
	switch frame.Source {
	case audio.SourceMic:
		if !a.micSeen {
			a.micFirst = frame.Timestamp
			a.micSeen = true
		}
		frame.Timestamp -= a.micFirst
	case audio.SourceSystem:
		if !a.sysSeen {
			a.sysFirst = frame.Timestamp
			a.sysSeen = true
		}
		frame.Timestamp -= a.sysFirst
	}
	a.mu.Unlock()
	return []audio.Frame{frame}, nil
}

func (a *Aligner) Flush() ([]audio.Frame, error) { return nil, nil }

// Reset forgets both baselines so the next frame of each source restarts the epoch.
func (a *Aligner) Reset() {
	a.mu.Lock()
	a.micSeen = false
	a.sysSeen = false
	a.mu.Unlock()
}
