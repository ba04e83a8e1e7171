// Package config provides the configuration schema and loader for the looptap
// capture pipeline.
package config

import "github.com/MrWong99/looptap/pkg/audio"

// LogLevel controls log verbosity for the looptap process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default processing parameters, matching the capture hardware path:
// sources deliver 48 kHz audio and the AEC stage operates at that rate.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	DefaultMaxDelayMs = 140
)

// Config is the root configuration structure for looptap.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address for the /metrics and health endpoints
	// (e.g., ":9090"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// Capture selects the capture target and which streams to record.
	Capture Capture `yaml:"capture"`

	// Processing configures the per-run processing pipeline.
	Processing Processing `yaml:"processing"`
}

// Capture selects the capture target and the streams to record.
// Exactly one of DisplayID and PID may be set; they are mutually exclusive
// ways of naming the system-audio tap target.
type Capture struct {
	// DisplayID selects a display's audio output as the system tap target.
	DisplayID *int `yaml:"display_id"`

	// PID selects a single process's audio output as the system tap target.
	PID *int `yaml:"pid"`

	// System enables capturing system playback audio (the far-end reference).
	System bool `yaml:"system"`

	// Mic enables capturing microphone audio (the near-end signal).
	Mic bool `yaml:"mic"`
}

// Processing is the immutable per-run pipeline configuration. The engine
// copies it at Start; changing it afterwards has no effect until the next run.
type Processing struct {
	// SampleRate is the output sample rate in Hz delivered to the callback.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the output channel count (1 or 2).
	Channels int `yaml:"channels"`

	// EnableAEC runs acoustic echo cancellation on the mic stream.
	EnableAEC bool `yaml:"enable_aec"`

	// EnableNS runs noise suppression on the (possibly AEC-cleaned) mic stream.
	EnableNS bool `yaml:"enable_ns"`

	// SampleFormat selects the output representation: "i16" or "f32".
	SampleFormat audio.SampleFormat `yaml:"sample_format"`

	// AECStreamDelayMs is the initial far-end/near-end alignment delay
	// estimate in milliseconds (positive = system leads the mic echo).
	AECStreamDelayMs int `yaml:"aec_stream_delay_ms"`

	// AECAutoDelayTuning lets the delay controller adjust the alignment
	// delay at runtime from the observed ERLE signal.
	AECAutoDelayTuning bool `yaml:"aec_auto_delay_tuning"`

	// AECMaxDelayMs is the upper bound for the alignment delay.
	AECMaxDelayMs int `yaml:"aec_max_delay_ms"`
}

// DefaultProcessing returns the processing defaults: 48 kHz stereo float
// output with AEC and NS disabled.
func DefaultProcessing() Processing {
	return Processing{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		SampleFormat:  audio.FormatF32,
		AECMaxDelayMs: DefaultMaxDelayMs,
	}
}

// CalibrateDelay derives the initial alignment delay estimate from
// independently measured output latencies: the system playback path latency
// minus the microphone capture path latency, floored at zero and clamped to
// AECMaxDelayMs. It only affects the pre-start estimate; a running pipeline
// keeps the delay it started with (the auto-tuner takes over from there).
func (p *Processing) CalibrateDelay(systemLatencyMs, micLatencyMs float64) {
	d := int(systemLatencyMs - micLatencyMs)
	if d < 0 {
		d = 0
	}
	if p.AECMaxDelayMs > 0 && d > p.AECMaxDelayMs {
		d = p.AECMaxDelayMs
	}
	p.AECStreamDelayMs = d
}
