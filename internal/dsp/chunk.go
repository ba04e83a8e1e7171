package dsp

import (
	"time"

	"github.com/MrWong99/looptap/pkg/audio"
)

// ProcessingQuantum is the fixed per-channel frame count every chunk carries
// through the echo canceller and onward: 10 ms at 48 kHz.
const ProcessingQuantum = 480

// Chunker regroups a source's stream into fixed [ProcessingQuantum] frames.
// Input frame boundaries are erased; output timestamps are derived from the
// first input timestamp plus the emitted frame count, so consecutive chunks
// are spaced exactly one quantum apart.
type Chunker struct {
	quantum  int
	rate     int
	channels int

	buf     []float32
	base    time.Duration
	out     uint64
	src     audio.Source
	started bool
}

// NewChunker creates a chunker emitting quantum-frame blocks. A non-positive
// quantum falls back to [ProcessingQuantum].
func NewChunker(quantum, rate, channels int) *Chunker {
	if quantum <= 0 {
		quantum = ProcessingQuantum
	}
	return &Chunker{quantum: quantum, rate: rate, channels: channels}
}

func (c *Chunker) Name() string { return "chunk" }

// Process buffers the frame and emits every complete quantum now available.
func (c *Chunker) Process(frame audio.Frame) ([]audio.Frame, error) {
	if !c.started {
		c.base = frame.Timestamp
		c.src = frame.Source
		c.started = true
	}
	c.buf = append(c.buf, frame.Samples...)

	need := c.quantum * c.channels
	var out []audio.Frame
	for len(c.buf) >= need {
		chunk := make([]float32, need)
		copy(chunk, c.buf[:need])
		c.buf = append(c.buf[:0], c.buf[need:]...)
		out = append(out, c.emit(chunk))
	}
	return out, nil
}

// Flush emits the buffered tail as one final chunk, zero-padded to the
// quantum so downstream stages never see a short block.
func (c *Chunker) Flush() ([]audio.Frame, error) {
	if len(c.buf) == 0 {
		return nil, nil
	}
	need := c.quantum * c.channels
	chunk := make([]float32, need)
	copy(chunk, c.buf)
	c.buf = c.buf[:0]
	return []audio.Frame{c.emit(chunk)}, nil
}

// Reset clears buffered samples and the timestamp base for a new run.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
	c.out = 0
	c.started = false
}

func (c *Chunker) emit(samples []float32) audio.Frame {
	ts := c.base + time.Duration(c.out)*time.Second/time.Duration(c.rate)
	c.out += uint64(c.quantum)
	return audio.Frame{
		Source:     c.src,
		Samples:    samples,
		SampleRate: c.rate,
		Channels:   c.channels,
		Timestamp:  ts,
	}
}
