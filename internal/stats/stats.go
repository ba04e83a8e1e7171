// Package stats collects live counters and per-stage timings for a capture
// run. One [Collector] exists per run; both execution units and the dispatch
// goroutine report into it, and callers read a consistent [Snapshot] at any
// time while the run is live.
package stats

import (
	"sync"
	"time"

	"github.com/MrWong99/looptap/internal/aec"
)

// stageTimes accumulates wall-clock durations for one pipeline stage.
type stageTimes struct {
	samples uint64
	total   time.Duration
	max     time.Duration
}

// StageTiming is the per-stage view exposed in a [Snapshot].
type StageTiming struct {
	Samples uint64
	AvgMs   float64
	MaxMs   float64
}

// Snapshot is a consistent copy of all run statistics.
type Snapshot struct {
	FramesInMic     uint64
	FramesInSystem  uint64
	FramesOutMic    uint64
	FramesOutSystem uint64

	CaptureDropsMic      uint64
	CaptureDropsSystem   uint64
	CaptureReconnects    uint64
	CaptureRetryFailures uint64

	ProcessorErrors      uint64
	ProcessorDrainErrors uint64
	CallbackErrors       uint64
	DispatchFailures     uint64

	Stages map[string]StageTiming
	Delay  aec.DelayState
}

// Collector accumulates run statistics. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	framesInMic     uint64
	framesInSystem  uint64
	framesOutMic    uint64
	framesOutSystem uint64

	dropsMic      uint64
	dropsSystem   uint64
	reconnects    uint64
	retryFailures uint64

	procErrors      uint64
	procDrainErrors uint64
	callbackErrors  uint64
	dispatchFails   uint64

	stages map[string]*stageTimes
	delay  aec.DelayState
}

func NewCollector() *Collector {
	return &Collector{stages: make(map[string]*stageTimes)}
}

func (c *Collector) IncrFramesIn(system bool) {
	c.mu.Lock()
	if system {
		c.framesInSystem++
	} else {
		c.framesInMic++
	}
	c.mu.Unlock()
}

func (c *Collector) IncrFramesOut(system bool) {
	c.mu.Lock()
	if system {
		c.framesOutSystem++
	} else {
		c.framesOutMic++
	}
	c.mu.Unlock()
}

func (c *Collector) IncrCaptureDrop(system bool) {
	c.mu.Lock()
	if system {
		c.dropsSystem++
	} else {
		c.dropsMic++
	}
	c.mu.Unlock()
}

func (c *Collector) IncrCaptureReconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

func (c *Collector) IncrCaptureRetryFailure() {
	c.mu.Lock()
	c.retryFailures++
	c.mu.Unlock()
}

func (c *Collector) IncrProcessorError() {
	c.mu.Lock()
	c.procErrors++
	c.mu.Unlock()
}

func (c *Collector) IncrProcessorDrainError() {
	c.mu.Lock()
	c.procDrainErrors++
	c.mu.Unlock()
}

func (c *Collector) IncrCallbackError() {
	c.mu.Lock()
	c.callbackErrors++
	c.mu.Unlock()
}

func (c *Collector) IncrDispatchFailure() {
	c.mu.Lock()
	c.dispatchFails++
	c.mu.Unlock()
}

// ObserveStage records one stage invocation's duration.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.mu.Lock()
	st := c.stages[stage]
	if st == nil {
		st = &stageTimes{}
		c.stages[stage] = st
	}
	st.samples++
	st.total += d
	if d > st.max {
		st.max = d
	}
	c.mu.Unlock()
}

// SetDelayState replaces the tuner snapshot.
func (c *Collector) SetDelayState(s aec.DelayState) {
	c.mu.Lock()
	c.delay = s
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of everything collected so far.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		FramesInMic:          c.framesInMic,
		FramesInSystem:       c.framesInSystem,
		FramesOutMic:         c.framesOutMic,
		FramesOutSystem:      c.framesOutSystem,
		CaptureDropsMic:      c.dropsMic,
		CaptureDropsSystem:   c.dropsSystem,
		CaptureReconnects:    c.reconnects,
		CaptureRetryFailures: c.retryFailures,
		ProcessorErrors:      c.procErrors,
		ProcessorDrainErrors: c.procDrainErrors,
		CallbackErrors:       c.callbackErrors,
		DispatchFailures:     c.dispatchFails,
		Stages:               make(map[string]StageTiming, len(c.stages)),
		Delay:                c.delay,
	}
	for name, st := range c.stages {
		timing := StageTiming{Samples: st.samples}
		if st.samples > 0 {
			timing.AvgMs = float64(st.total.Microseconds()) / float64(st.samples) / 1000
		}
		timing.MaxMs = float64(st.max.Microseconds()) / 1000
		snap.Stages[name] = timing
	}
	return snap
}

// Reset zeroes all counters and timings for a new run.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.framesInMic, c.framesInSystem = 0, 0
	c.framesOutMic, c.framesOutSystem = 0, 0
	c.dropsMic, c.dropsSystem = 0, 0
	c.reconnects, c.retryFailures = 0, 0
	c.procErrors, c.procDrainErrors = 0, 0
	c.callbackErrors, c.dispatchFails = 0, 0
	c.stages = make(map[string]*stageTimes)
	c.delay = aec.DelayState{}
	c.mu.Unlock()
}
