package dsp

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/looptap/pkg/audio"
)

// ErrInvalidRateRatio is returned by [NewResampler] when the configured rates
// cannot form a usable conversion ratio.
var ErrInvalidRateRatio = errors.New("dsp: invalid sample rate ratio")

// Resampler converts one source's stream from its native rate to the target
// rate using linear interpolation, carrying the fractional read position
// across frame boundaries so frame edges introduce no seams and no drift
// accumulates. Channel conversion (downmix/upmix) happens before resampling.
//
// Create one per source per run. Deterministic: the same configuration and
// input sequence always produces the same output sequence.
type Resampler struct {
	srcRate     int
	dstRate     int
	dstChannels int
	ratio       float64 // input frames consumed per output frame

	buf     []float32 // pending input, interleaved at dstChannels
	pos     float64   // fractional read position in buf, in frames
	base    time.Duration
	out     uint64 // output frames emitted since base
	src     audio.Source
	started bool
}

// NewResampler creates a streaming resampler. The rate ratio is validated
// here, not per frame: non-positive rates or an unsupported channel count
// return [ErrInvalidRateRatio].
func NewResampler(srcRate, dstRate, dstChannels int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d Hz", ErrInvalidRateRatio, srcRate, dstRate)
	}
	if dstChannels != 1 && dstChannels != 2 {
		return nil, fmt.Errorf("%w: %d output channels", ErrInvalidRateRatio, dstChannels)
	}
	return &Resampler{
		srcRate:     srcRate,
		dstRate:     dstRate,
		dstChannels: dstChannels,
		ratio:       float64(srcRate) / float64(dstRate),
	}, nil
}

func (r *Resampler) Name() string { return "resample" }

// Process converts one frame. Returns no frames while the interpolator needs
// more input; may return one frame covering several input frames' worth of
// buffered samples.
func (r *Resampler) Process(frame audio.Frame) ([]audio.Frame, error) {
	samples := convertChannels(frame.Samples, frame.Channels, r.dstChannels)
	if !r.started {
		r.base = frame.Timestamp
		r.src = frame.Source
		r.started = true
	}

	if r.srcRate == r.dstRate {
		out := frame
		out.Samples = samples
		out.Channels = r.dstChannels
		return []audio.Frame{out}, nil
	}

	r.buf = append(r.buf, samples...)
	produced := r.produce(false)
	if len(produced) == 0 {
		return nil, nil
	}
	return []audio.Frame{r.emit(frame.Source, produced)}, nil
}

// Flush drains the interpolator tail, holding the last sample for the final
// interpolation point.
func (r *Resampler) Flush() ([]audio.Frame, error) {
	if r.srcRate == r.dstRate || len(r.buf) == 0 {
		return nil, nil
	}
	produced := r.produce(true)
	r.buf = r.buf[:0]
	r.pos = 0
	if len(produced) == 0 {
		return nil, nil
	}
	return []audio.Frame{r.emit(r.src, produced)}, nil
}

// Reset clears all streaming state for a new run.
func (r *Resampler) Reset() {
	r.buf = r.buf[:0]
	r.pos = 0
	r.out = 0
	r.started = false
}

// produce runs the interpolator over the buffered input. When tail is set the
// last input frame is held for the final interpolation point; otherwise
// production stops while the next input frame is unavailable.
func (r *Resampler) produce(tail bool) []float32 {
	ch := r.dstChannels
	frames := len(r.buf) / ch
	var out []float32

	for {
		idx := int(r.pos)
		if tail {
			if idx >= frames {
				break
			}
		} else if idx+1 >= frames {
			break
		}
		frac := float32(r.pos - float64(idx))
		for c := range ch {
			s0 := r.buf[idx*ch+c]
			s1 := s0
			if idx+1 < frames {
				s1 = r.buf[(idx+1)*ch+c]
			}
			out = append(out, s0+(s1-s0)*frac)
		}
		r.pos += r.ratio
	}

	// Drop fully consumed input frames, keeping the fractional remainder.
	if consumed := int(r.pos); consumed > 0 {
		if consumed > frames {
			consumed = frames
		}
		r.buf = append(r.buf[:0], r.buf[consumed*ch:]...)
		r.pos -= float64(consumed)
	}
	return out
}

func (r *Resampler) emit(src audio.Source, samples []float32) audio.Frame {
	ts := r.base + time.Duration(r.out)*time.Second/time.Duration(r.dstRate)
	r.out += uint64(len(samples) / r.dstChannels)
	return audio.Frame{
		Source:     src,
		Samples:    samples,
		SampleRate: r.dstRate,
		Channels:   r.dstChannels,
		Timestamp:  ts,
	}
}

// convertChannels adapts interleaved samples from one channel count to
// another. Matching counts return the input unchanged.
func convertChannels(samples []float32, from, to int) []float32 {
	switch {
	case from == to:
		return samples
	case to == 1:
		return audio.DownmixMono(samples, from)
	case from == 1 && to == 2:
		return audio.UpmixStereo(samples)
	default:
		// Unusual layouts go through mono as a common denominator.
		return audio.UpmixStereo(audio.DownmixMono(samples, from))
	}
}
