package aec

import (
	"sync"
	"time"

	"github.com/MrWong99/looptap/pkg/audio"
)

// FarEndBuffer is a timestamp-indexed ring of mono far-end samples. The
// system execution unit pushes processed blocks; the mic unit queries the
// window aligned with each near-end block, shifted by the applied delay.
//
// Lookups never block. A query outside the retained window reports a miss
// and the caller bypasses cancellation for that block.
type FarEndBuffer struct {
	mu      sync.Mutex
	rate    int
	ring    []float32
	next    uint64 // absolute sample index one past the newest sample
	base    time.Duration
	started bool

	lastSignal time.Time
	clock      func() time.Time
}

// NewFarEndBuffer retains history samples of mono audio at rate Hz. History
// must cover the maximum applied delay plus scheduling slack.
func NewFarEndBuffer(rate, history int) *FarEndBuffer {
	return &FarEndBuffer{
		rate:  rate,
		ring:  make([]float32, history),
		clock: time.Now,
	}
}

// Push appends one block. ts is the block's aligned stream timestamp; the
// first push anchors the index, later blocks are assumed contiguous.
func (b *FarEndBuffer) Push(ts time.Duration, samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		b.base = ts
		b.started = true
	}
	for _, s := range samples {
		b.ring[b.next%uint64(len(b.ring))] = s
		b.next++
	}
	if audio.IsActive(samples, activityThreshold) {
		b.lastSignal = b.clock()
	}
}

// Lookup copies n samples ending at stream position ts-delay into a fresh
// slice. Reports false when the window is not (or no longer) retained.
func (b *FarEndBuffer) Lookup(ts time.Duration, delay time.Duration, n int) ([]float32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || n <= 0 || n > len(b.ring) {
		return nil, false
	}
	target := ts - delay - b.base
	if target < 0 {
		return nil, false
	}
	start := uint64(target * time.Duration(b.rate) / time.Second)
	end := start + uint64(n)
	if end > b.next {
		return nil, false
	}
	if b.next-start > uint64(len(b.ring)) {
		return nil, false // already overwritten
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = b.ring[(start+uint64(i))%uint64(len(b.ring))]
	}
	return out, true
}

// Active reports whether a block carrying signal above the silence
// threshold was pushed within the given window. A system stream that is
// silent, or stalled entirely, reports inactive either way.
func (b *FarEndBuffer) Active(window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.lastSignal.IsZero() && b.clock().Sub(b.lastSignal) <= window
}

// Reset discards all retained samples.
func (b *FarEndBuffer) Reset() {
	b.mu.Lock()
	b.next = 0
	b.started = false
	b.lastSignal = time.Time{}
	b.mu.Unlock()
}
