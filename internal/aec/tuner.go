package aec

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is the tuner's current operating mode.
type Phase int

const (
	// PhaseTuning probes neighboring delays looking for a better ERLE.
	PhaseTuning Phase = iota
	// PhaseFrozen holds the best delay after the estimate has stabilized.
	PhaseFrozen
	// PhaseRollingBack steps back toward the best known delay after the
	// estimate degraded past the rollback threshold.
	PhaseRollingBack
)

func (p Phase) String() string {
	switch p {
	case PhaseTuning:
		return "tuning"
	case PhaseFrozen:
		return "frozen"
	case PhaseRollingBack:
		return "rolling_back"
	default:
		return "unknown"
	}
}

// Tuning policy. The window ERLE drives every transition; frames only count
// toward the window when both streams carry signal.
const (
	// tuneIntervalFrames is the number of active mic blocks per window.
	tuneIntervalFrames = 50

	// emaAlpha smooths window ERLE into the tracked estimate.
	emaAlpha = 0.3

	// improveThreshold is how far the smoothed estimate must exceed the
	// best before the best is re-recorded.
	improveThreshold = 0.1

	// freezeERLE and freezeWindows gate the frozen phase: the best must
	// reach freezeERLE dB and the estimate must stay within
	// improveThreshold of it for freezeWindows consecutive windows.
	freezeERLE    = 3.5
	freezeWindows = 8

	// rollbackThreshold below best triggers a rollback, in any phase.
	rollbackThreshold = 1.0

	initialStepMs = 4
	maxStepMs     = 8
	minStepMs     = 1

	// activityThreshold is the peak amplitude below which a block counts
	// as silent and is excluded from tuning.
	activityThreshold = 1e-4

	// systemGraceFrames keeps tuning alive through short far-end pauses.
	systemGraceFrames = 30
)

// DelayState is a snapshot of the tuner, exposed through run statistics.
type DelayState struct {
	Phase     Phase
	AppliedMs int
	BestMs    int
	BestERLE  float64
	EmaERLE   float64
	LastERLE  float64
	StepMs    int
	Direction int
	Windows   uint64

	TuneEvents            uint64
	RollbackEvents        uint64
	FreezeEvents          uint64
	SkippedInactiveMic    uint64
	SkippedInactiveSystem uint64
}

// Tuner adjusts the applied near/far delay at runtime. Every
// tuneIntervalFrames active blocks it folds the window's mean ERLE into a
// smoothed estimate and runs one policy transition: probe a neighboring
// delay, grow or shrink the probe step, freeze on a stable optimum, or roll
// back toward the best known delay when the estimate collapses.
type Tuner struct {
	mu  sync.Mutex
	log *slog.Logger

	enabled    bool
	maxDelayMs int

	phase   Phase
	applied int
	best    int
	bestE   float64
	hasBest bool

	ema    float64
	hasEma bool
	last   float64 // previous window's raw mean ERLE
	hasRaw bool

	dir    int // +1 or -1, probe direction in ms
	stepMs int

	frozenStreak int
	windows      uint64
	tuneEvents   uint64
	rollbacks    uint64
	freezes      uint64

	frameCount int
	winSum     float64
	winN       int
	sysGrace   int

	skippedMic uint64
	skippedSys uint64
}

// NewTuner starts at initialDelayMs. When enabled is false the tuner only
// tracks counters and never moves the delay.
func NewTuner(log *slog.Logger, enabled bool, initialDelayMs, maxDelayMs int) *Tuner {
	if initialDelayMs < 0 {
		initialDelayMs = 0
	}
	if initialDelayMs > maxDelayMs {
		initialDelayMs = maxDelayMs
	}
	return &Tuner{
		log:        log,
		enabled:    enabled,
		maxDelayMs: maxDelayMs,
		applied:    initialDelayMs,
		dir:        1,
		stepMs:     initialStepMs,
	}
}

// Delay returns the currently applied delay.
func (t *Tuner) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.applied) * time.Millisecond
}

// OnMicFrame accounts one processed mic block. Inactive blocks are skipped:
// a silent mic tells us nothing about the echo path, and a silent system
// stream, past a short grace period, means there is no echo to measure.
func (t *Tuner) OnMicFrame(micActive, sysActive bool, erle float64, hasERLE bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if !micActive {
		t.skippedMic++
		return
	}
	if sysActive {
		t.sysGrace = systemGraceFrames
	} else if t.sysGrace > 0 {
		t.sysGrace--
	} else {
		t.skippedSys++
		return
	}
	if !hasERLE {
		return
	}

	t.winSum += erle
	t.winN++
	t.frameCount++
	if t.frameCount < tuneIntervalFrames {
		return
	}
	mean := t.winSum / float64(t.winN)
	t.frameCount = 0
	t.winSum = 0
	t.winN = 0
	t.observe(mean)
}

// Observe feeds one window's mean ERLE directly into the policy. Exercised
// by [OnMicFrame]; exported for driving the state machine with synthetic
// estimates.
func (t *Tuner) Observe(erle float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		t.observe(erle)
	}
}

func (t *Tuner) observe(erle float64) {
	t.windows++
	if t.hasEma {
		t.ema = t.ema*(1-emaAlpha) + erle*emaAlpha
	} else {
		t.ema = erle
		t.hasEma = true
	}
	if !t.hasBest {
		t.best = t.applied
		t.bestE = t.ema
		t.hasBest = true
	}

	switch t.phase {
	case PhaseFrozen:
		if t.ema < t.bestE-rollbackThreshold {
			t.startRollback()
		}
	case PhaseRollingBack:
		t.stepRollback()
	case PhaseTuning:
		t.tune(erle)
	}
	t.last = erle
	t.hasRaw = true
}

func (t *Tuner) tune(raw float64) {
	improved := t.ema > t.bestE+improveThreshold
	if improved {
		t.best = t.applied
		t.bestE = t.ema
	} else if t.ema >= t.bestE-improveThreshold && t.applied != t.best {
		// Equivalent ERLE at the current delay: prefer it over a stale
		// best so a later rollback lands where we already are.
		t.best = t.applied
	}

	if t.ema < t.bestE-rollbackThreshold {
		t.startRollback()
		return
	}

	// A window that still improves the best means the search has not
	// settled, so it never counts toward the freeze streak.
	if !improved && t.bestE >= freezeERLE && t.ema >= t.bestE-improveThreshold && t.ema <= t.bestE+improveThreshold {
		t.frozenStreak++
		if t.frozenStreak >= freezeWindows {
			t.phase = PhaseFrozen
			t.freezes++
			t.applied = t.best
			t.log.Debug("delay tuner frozen", "delay_ms", t.applied, "erle", t.bestE)
			return
		}
	} else {
		t.frozenStreak = 0
	}

	if t.hasRaw && raw < t.last {
		t.dir = -t.dir
	}
	if improved {
		t.stepMs = min(maxStepMs, t.stepMs*2)
	} else {
		t.stepMs = max(minStepMs, t.stepMs/2)
	}

	next := t.clamp(t.applied + t.dir*t.stepMs)
	if next == t.applied {
		// Pinned at a boundary: probe the other way instead.
		t.dir = -t.dir
		next = t.clamp(t.applied + t.dir*t.stepMs)
	}
	if next != t.applied {
		t.tuneEvents++
	}
	t.applied = next
}

// Freeze pins the delay at the best known value until the estimate degrades.
// The policy enters the frozen phase on its own once the estimate stabilizes;
// this forces it early.
func (t *Tuner) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.phase == PhaseFrozen {
		return
	}
	t.phase = PhaseFrozen
	t.freezes++
	t.frozenStreak = 0
	if t.hasBest {
		t.applied = t.best
	}
}

func (t *Tuner) startRollback() {
	if t.applied == t.best {
		t.phase = PhaseTuning
		t.frozenStreak = 0
		return
	}
	t.phase = PhaseRollingBack
	t.frozenStreak = 0
	t.log.Debug("delay tuner rolling back", "from_ms", t.applied, "to_ms", t.best)
	t.stepRollback()
}

func (t *Tuner) stepRollback() {
	t.rollbacks++
	diff := t.best - t.applied
	switch {
	case diff > t.stepMs:
		t.applied += t.stepMs
	case diff < -t.stepMs:
		t.applied -= t.stepMs
	default:
		t.applied = t.best
	}
	if t.applied == t.best {
		t.phase = PhaseTuning
		t.dir = 1
		t.stepMs = max(minStepMs, t.stepMs/2)
		if t.ema < t.bestE {
			// Re-measure the best from here; the recorded ERLE may
			// have been inflated by smoothing lag.
			t.bestE = t.ema
		}
	}
}

func (t *Tuner) clamp(ms int) int {
	if ms < 0 {
		return 0
	}
	if ms > t.maxDelayMs {
		return t.maxDelayMs
	}
	return ms
}

// State returns a snapshot for stats reporting.
func (t *Tuner) State() DelayState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return DelayState{
		Phase:                 t.phase,
		AppliedMs:             t.applied,
		BestMs:                t.best,
		BestERLE:              t.bestE,
		EmaERLE:               t.ema,
		LastERLE:              t.last,
		StepMs:                t.stepMs,
		Direction:             t.dir,
		Windows:               t.windows,
		TuneEvents:            t.tuneEvents,
		RollbackEvents:        t.rollbacks,
		FreezeEvents:          t.freezes,
		SkippedInactiveMic:    t.skippedMic,
		SkippedInactiveSystem: t.skippedSys,
	}
}
