// Package capture opens the platform audio taps and delivers raw frames to
// the pipeline. The mic stream comes from the default input device; the
// system stream comes from a loopback device. Device callbacks hand frames
// to a bounded queue that drops the oldest frame under backpressure, so the
// audio thread never blocks on the consumer.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/looptap/pkg/audio"
)

var (
	// ErrEndOfStream reports a clean end of capture: the stream stopped
	// because the run is stopping.
	ErrEndOfStream = errors.New("capture: end of stream")

	// ErrUnavailable reports that a source cannot be opened or recovered.
	// The run continues on the remaining source when one is still live.
	ErrUnavailable = errors.New("capture: source unavailable")
)

// Target narrows the system stream to one display's or one process's audio.
// At most one field may be set; both nil captures the full system mix.
type Target struct {
	DisplayID *int
	PID       *int
}

// Request describes one capture source to open.
type Request struct {
	Source     audio.Source
	Target     Target // system stream only
	SampleRate int    // preferred native rate, 0 for the device default
	Channels   int    // preferred channel count, 0 for the device default

	// OnDrop is invoked once per frame evicted under backpressure. May be
	// nil.
	OnDrop func()
}

// Source is one open capture stream.
type Source interface {
	// Read blocks until the next frame arrives, the stream ends
	// ([ErrEndOfStream]) or ctx is done.
	Read(ctx context.Context) (audio.Frame, error)

	// Native reports the rate and channel count frames are delivered in.
	Native() (sampleRate, channels int)

	// Close stops the device stream and releases it. Idempotent.
	Close() error
}

// Device describes one enumerable capture target.
type Device struct {
	Index      int
	Name       string
	Channels   int
	SampleRate int
	Loopback   bool // carries system playback rather than a physical input
	LatencyMs  float64
}

// Opener opens capture sources. Implemented by [*Backend] and by test
// doubles.
type Opener interface {
	Open(ctx context.Context, req Request) (Source, error)
}
