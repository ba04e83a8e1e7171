package aec_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/looptap/internal/aec"
	"github.com/MrWong99/looptap/internal/aec/mock"
	"github.com/MrWong99/looptap/pkg/audio"
)

type fakeCounters struct {
	procErrs  int
	drainErrs int
}

func (c *fakeCounters) IncrProcessorError()      { c.procErrs++ }
func (c *fakeCounters) IncrProcessorDrainError() { c.drainErrs++ }

func micFrame(n int) audio.Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.Frame{Source: audio.SourceMic, Samples: samples, SampleRate: 48000, Channels: 1}
}

func TestStageDisabledPassesThrough(t *testing.T) {
	t.Parallel()
	proc := &mock.FrameProcessor{}
	far := aec.NewFarEndBuffer(48000, 48000)
	far.Push(0, make([]float32, 480))
	tuner := aec.NewTuner(discard(), false, 0, 140)
	s := aec.NewStage(discard(), proc, far, tuner, nil, &fakeCounters{}, false)

	in := micFrame(480)
	out, err := s.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Frames != 0 {
		t.Errorf("disabled stage invoked the processor %d times", proc.Frames)
	}
	for i, v := range out[0].Samples {
		if v != in.Samples[i] {
			t.Fatalf("sample %d changed with cancellation disabled", i)
		}
	}
}

func TestStageBypassesOnFarEndMiss(t *testing.T) {
	t.Parallel()
	proc := &mock.FrameProcessor{}
	far := aec.NewFarEndBuffer(48000, 48000)
	tuner := aec.NewTuner(discard(), true, 0, 140)
	s := aec.NewStage(discard(), proc, far, tuner, nil, &fakeCounters{}, true)

	out, err := s.Process(micFrame(480))
	if err != nil {
		t.Fatal(err)
	}
	if proc.Frames != 0 {
		t.Errorf("processor ran %d times without a far-end reference", proc.Frames)
	}
	if len(out) != 1 || len(out[0].Samples) != 480 {
		t.Fatalf("bypass dropped the block: %+v", out)
	}
}

func TestStageSkipsTuningOnSilentSystem(t *testing.T) {
	t.Parallel()
	proc := &mock.FrameProcessor{}
	far := aec.NewFarEndBuffer(48000, 48000)
	writer := aec.NewFarEndWriter(far)
	tuner := aec.NewTuner(discard(), true, 0, 140)
	s := aec.NewStage(discard(), proc, far, tuner, nil, &fakeCounters{}, true)

	// The system stream flows but carries only silence; the mic carries
	// signal. Tuning must judge the far end inactive the whole time.
	for i := range 120 {
		ts := time.Duration(i) * 10 * time.Millisecond
		sys := audio.Frame{Source: audio.SourceSystem, Samples: make([]float32, 480), SampleRate: 48000, Channels: 1, Timestamp: ts}
		if _, err := writer.Process(sys); err != nil {
			t.Fatal(err)
		}
		in := micFrame(480)
		in.Timestamp = ts
		if _, err := s.Process(in); err != nil {
			t.Fatal(err)
		}
	}

	st := tuner.State()
	if st.SkippedInactiveSystem == 0 {
		t.Error("silent system stream never counted as inactive")
	}
	if st.Windows != 0 {
		t.Errorf("tuner ran %d windows with no far-end signal", st.Windows)
	}

	// One block with signal reactivates tuning.
	loud := make([]float32, 480)
	for i := range loud {
		loud[i] = 0.4
	}
	sys := audio.Frame{Source: audio.SourceSystem, Samples: loud, SampleRate: 48000, Channels: 1, Timestamp: 1200 * time.Millisecond}
	if _, err := writer.Process(sys); err != nil {
		t.Fatal(err)
	}
	in := micFrame(480)
	in.Timestamp = 1200 * time.Millisecond
	if _, err := s.Process(in); err != nil {
		t.Fatal(err)
	}
	if got := tuner.State().SkippedInactiveSystem; got != st.SkippedInactiveSystem {
		t.Errorf("frame skipped despite active far end: %d -> %d", st.SkippedInactiveSystem, got)
	}
}

func TestStageDegradesOnProcessorError(t *testing.T) {
	t.Parallel()
	proc := &mock.FrameProcessor{
		ProcessFunc: func(near, far []float32) (aec.Result, error) {
			return aec.Result{}, errors.New("filter diverged")
		},
	}
	far := aec.NewFarEndBuffer(48000, 48000)
	far.Push(0, make([]float32, 960))
	tuner := aec.NewTuner(discard(), true, 0, 140)
	counters := &fakeCounters{}
	s := aec.NewStage(discard(), proc, far, tuner, nil, counters, true)

	in := micFrame(480)
	in.Timestamp = 10 * time.Millisecond
	out, err := s.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if counters.procErrs != 1 {
		t.Errorf("processor errors = %d, want 1", counters.procErrs)
	}
	for i, v := range out[0].Samples {
		if v != in.Samples[i] {
			t.Fatalf("sample %d not passed through after processor failure", i)
		}
	}
}

func TestStageCancelsWithReference(t *testing.T) {
	t.Parallel()
	proc := &mock.FrameProcessor{
		ProcessFunc: func(near, far []float32) (aec.Result, error) {
			return aec.Result{Samples: make([]float32, len(near)), ERLE: 6, HasERLE: true}, nil
		},
	}
	far := aec.NewFarEndBuffer(48000, 48000)
	far.Push(0, make([]float32, 960))
	tuner := aec.NewTuner(discard(), true, 0, 140)
	s := aec.NewStage(discard(), proc, far, tuner, nil, &fakeCounters{}, true)

	in := micFrame(480)
	in.Timestamp = 10 * time.Millisecond
	out, err := s.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Frames != 1 {
		t.Fatalf("processor ran %d times, want 1", proc.Frames)
	}
	for i, v := range out[0].Samples {
		if v != 0 {
			t.Fatalf("sample %d = %v, want cancelled output", i, v)
		}
	}
}

func TestStageFlushCountsDrainFailure(t *testing.T) {
	t.Parallel()
	proc := &mock.FrameProcessor{DrainErr: errors.New("drain failed")}
	counters := &fakeCounters{}
	far := aec.NewFarEndBuffer(48000, 48000)
	tuner := aec.NewTuner(discard(), true, 0, 140)
	s := aec.NewStage(discard(), proc, far, tuner, nil, counters, true)

	if _, err := s.Flush(); err != nil {
		t.Fatalf("flush must not fail the stop path: %v", err)
	}
	if counters.drainErrs != 1 {
		t.Errorf("drain errors = %d, want 1", counters.drainErrs)
	}
	if proc.Drained != 1 {
		t.Errorf("drained = %d, want 1", proc.Drained)
	}
}

func TestNoiseGateAttenuatesQuietBlocks(t *testing.T) {
	t.Parallel()
	g := aec.NewNoiseGate()

	loud := make([]float32, 480)
	for i := range loud {
		loud[i] = 0.5
	}
	quiet := make([]float32, 480)
	for i := range quiet {
		quiet[i] = 0.001
	}

	g.Apply(loud)
	// Inside the hold window quiet blocks still pass.
	held := append([]float32(nil), quiet...)
	g.Apply(held)
	if held[0] != quiet[0] {
		t.Error("block attenuated inside the hold window")
	}

	g.Reset()
	gated := append([]float32(nil), quiet...)
	g.Apply(gated)
	if gated[0] >= quiet[0] {
		t.Errorf("quiet block not attenuated: %v", gated[0])
	}
}
