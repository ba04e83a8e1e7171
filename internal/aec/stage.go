package aec

import (
	"log/slog"
	"time"

	"github.com/MrWong99/looptap/pkg/audio"
)

// farActiveWindow bounds how long ago the far end must have carried signal
// for the system stream to count as active for tuning purposes.
const farActiveWindow = 250 * time.Millisecond

// Stage runs echo cancellation on the mic chain. For each near-end block it
// queries the far-end buffer at the tuner's applied delay, cancels when the
// reference is available, and falls back to passing the block through
// unmodified when it is not or when the processor fails. The stage never
// halts the pipeline; failures degrade to passthrough and are counted.
type Stage struct {
	log      *slog.Logger
	proc     FrameProcessor
	far      *FarEndBuffer
	tuner    *Tuner
	gate     *NoiseGate
	counters Counters
	enabled  bool
}

// NewStage wires the mic-side cancellation stage. gate may be nil when noise
// suppression is disabled; counters must not be nil.
func NewStage(log *slog.Logger, proc FrameProcessor, far *FarEndBuffer, tuner *Tuner, gate *NoiseGate, counters Counters, enabled bool) *Stage {
	return &Stage{
		log:      log,
		proc:     proc,
		far:      far,
		tuner:    tuner,
		gate:     gate,
		counters: counters,
		enabled:  enabled,
	}
}

func (s *Stage) Name() string { return "aec" }

// Process cancels echo from one mic block.
func (s *Stage) Process(frame audio.Frame) ([]audio.Frame, error) {
	micActive := audio.IsActive(frame.Samples, activityThreshold)
	sysActive := s.far.Active(farActiveWindow)

	out := frame.Samples
	var erle float64
	hasERLE := false

	if s.enabled {
		delay := s.tuner.Delay()
		if ref, ok := s.far.Lookup(frame.Timestamp, delay, len(frame.Samples)); ok {
			res, err := s.proc.ProcessFrame(frame.Samples, ref)
			if err != nil {
				s.counters.IncrProcessorError()
				s.log.Warn("echo canceller failed, passing block through", "error", err)
			} else {
				out = res.Samples
				erle = res.ERLE
				hasERLE = res.HasERLE
			}
		}
		s.tuner.OnMicFrame(micActive, sysActive, erle, hasERLE)
	}

	if s.gate != nil {
		out = s.gate.Apply(out)
	}

	frame.Samples = out
	return []audio.Frame{frame}, nil
}

// Flush drains the processor. Drain failures are counted but not returned;
// stopping must always succeed.
func (s *Stage) Flush() ([]audio.Frame, error) {
	if err := s.proc.Drain(); err != nil {
		s.counters.IncrProcessorDrainError()
		s.log.Warn("echo canceller drain failed", "error", err)
	}
	return nil, nil
}

// Reset clears the gate; the processor and tuner are per-run and recreated.
func (s *Stage) Reset() {
	if s.gate != nil {
		s.gate.Reset()
	}
}

// FarEndWriter sits in the system chain and copies each processed block into
// the shared far-end buffer before passing it on unchanged.
type FarEndWriter struct {
	far *FarEndBuffer
}

func NewFarEndWriter(far *FarEndBuffer) *FarEndWriter {
	return &FarEndWriter{far: far}
}

func (w *FarEndWriter) Name() string { return "farend" }

func (w *FarEndWriter) Process(frame audio.Frame) ([]audio.Frame, error) {
	w.far.Push(frame.Timestamp, frame.Samples)
	return []audio.Frame{frame}, nil
}

func (w *FarEndWriter) Flush() ([]audio.Frame, error) { return nil, nil }

func (w *FarEndWriter) Reset() { w.far.Reset() }
