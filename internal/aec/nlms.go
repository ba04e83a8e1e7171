package aec

import "math"

const (
	// nlmsTaps covers 10 ms of echo path at 48 kHz.
	nlmsTaps = 480

	// nlmsStep is the normalized adaptation step size. Larger converges
	// faster but risks instability on correlated input.
	nlmsStep = 0.1

	nlmsRegularizer = 1e-6

	// erleFarFloor is the minimum mean far-end power for an ERLE estimate
	// to be meaningful.
	erleFarFloor = 1e-8
)

// NLMS is a normalized least-mean-squares adaptive filter. It models the
// echo path from the far-end reference to the near-end capture and subtracts
// the predicted echo, adapting the filter weights per sample.
type NLMS struct {
	weights []float64
	history []float64 // recent far-end samples, circular
	histPos int
}

func NewNLMS() *NLMS {
	return &NLMS{
		weights: make([]float64, nlmsTaps),
		history: make([]float64, nlmsTaps),
	}
}

// ProcessFrame cancels far from near and estimates ERLE over the block.
func (f *NLMS) ProcessFrame(near, far []float32) (Result, error) {
	n := len(near)
	if len(far) < n {
		n = len(far)
	}
	out := make([]float32, len(near))
	copy(out, near)

	var nearPower, residPower, farPower float64
	for i := range n {
		x := float64(far[i])
		f.histPos = (f.histPos + 1) % nlmsTaps
		f.history[f.histPos] = x
		farPower += x * x

		var estimate, power float64
		pos := f.histPos
		for k := range nlmsTaps {
			s := f.history[pos]
			estimate += f.weights[k] * s
			power += s * s
			pos--
			if pos < 0 {
				pos = nlmsTaps - 1
			}
		}

		d := float64(near[i])
		e := d - estimate
		out[i] = float32(e)

		nearPower += d * d
		residPower += e * e

		mu := nlmsStep / (power + nlmsRegularizer)
		pos = f.histPos
		for k := range nlmsTaps {
			f.weights[k] += mu * e * f.history[pos]
			pos--
			if pos < 0 {
				pos = nlmsTaps - 1
			}
		}
	}

	res := Result{Samples: out}
	if n > 0 && farPower/float64(n) > erleFarFloor && residPower > 0 && nearPower > 0 {
		res.ERLE = 10 * math.Log10(nearPower/residPower)
		res.HasERLE = true
	}
	return res, nil
}

// Drain resets the filter state.
func (f *NLMS) Drain() error {
	for i := range f.weights {
		f.weights[i] = 0
		f.history[i] = 0
	}
	f.histPos = 0
	return nil
}
