package audio

import "math"

// DownmixMono averages interleaved multi-channel samples into mono.
// Returns the input unchanged when channels <= 1.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// UpmixStereo duplicates each mono sample into an interleaved L+R pair.
func UpmixStereo(mono []float32) []float32 {
	out := make([]float32, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// RMS returns the root-mean-square level of the samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// IsActive reports whether any sample exceeds the amplitude threshold.
// Used to judge whether a stream carries signal worth tuning against.
func IsActive(samples []float32, threshold float32) bool {
	for _, s := range samples {
		if s >= threshold || s <= -threshold {
			return true
		}
	}
	return false
}
