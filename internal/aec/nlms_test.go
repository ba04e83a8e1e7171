package aec_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/MrWong99/looptap/internal/aec"
)

// A mic block that is pure far-end echo must converge: the filter learns the
// (identity) echo path and ERLE climbs well above the starting estimate.
func TestNLMSConvergesOnDirectEcho(t *testing.T) {
	t.Parallel()
	f := aec.NewNLMS()
	rng := rand.New(rand.NewSource(1))

	var first, last aec.Result
	for block := range 50 {
		far := make([]float32, 480)
		for i := range far {
			far[i] = float32(rng.Float64()*2 - 1)
		}
		res, err := f.ProcessFrame(far, far)
		if err != nil {
			t.Fatal(err)
		}
		if !res.HasERLE {
			t.Fatalf("block %d: no ERLE estimate on loud far end", block)
		}
		if block == 0 {
			first = res
		}
		last = res
	}
	if last.ERLE < 10 {
		t.Errorf("converged ERLE = %.1f dB, want at least 10", last.ERLE)
	}
	if last.ERLE <= first.ERLE {
		t.Errorf("ERLE did not improve: first %.1f, last %.1f", first.ERLE, last.ERLE)
	}

	var residual float64
	for _, s := range last.Samples {
		residual += float64(s) * float64(s)
	}
	if math.Sqrt(residual/float64(len(last.Samples))) > 0.3 {
		t.Errorf("residual RMS %.3f, echo not cancelled", math.Sqrt(residual/float64(len(last.Samples))))
	}
}

func TestNLMSNoEstimateOnSilentFarEnd(t *testing.T) {
	t.Parallel()
	f := aec.NewNLMS()
	near := make([]float32, 480)
	for i := range near {
		near[i] = 0.5
	}
	res, err := f.ProcessFrame(near, make([]float32, 480))
	if err != nil {
		t.Fatal(err)
	}
	if res.HasERLE {
		t.Error("ERLE reported with a silent far end")
	}
	for i, s := range res.Samples {
		if s != near[i] {
			t.Fatalf("sample %d altered with nothing to cancel", i)
		}
	}
}

func TestNLMSDrainResetsState(t *testing.T) {
	t.Parallel()
	f := aec.NewNLMS()
	far := make([]float32, 480)
	for i := range far {
		far[i] = 0.5
	}
	for range 5 {
		if _, err := f.ProcessFrame(far, far); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Drain(); err != nil {
		t.Fatal(err)
	}
	// A cold filter has zero weights, so the very first output sample
	// passes through exactly.
	res, err := f.ProcessFrame(far, far)
	if err != nil {
		t.Fatal(err)
	}
	if res.Samples[0] != far[0] {
		t.Errorf("first post-drain sample = %v, want %v unchanged", res.Samples[0], far[0])
	}
}
