package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps all validation failures so callers can distinguish
// configuration errors from runtime failures with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Processing: DefaultProcessing()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields that have non-zero defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Processing.SampleRate == 0 {
		cfg.Processing.SampleRate = DefaultSampleRate
	}
	if cfg.Processing.Channels == 0 {
		cfg.Processing.Channels = DefaultChannels
	}
	if cfg.Processing.SampleFormat == "" {
		cfg.Processing.SampleFormat = DefaultProcessing().SampleFormat
	}
	if cfg.Processing.AECMaxDelayMs == 0 {
		cfg.Processing.AECMaxDelayMs = DefaultMaxDelayMs
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found; every
// returned error matches [ErrInvalidConfig].
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Capture.DisplayID != nil && cfg.Capture.PID != nil {
		errs = append(errs, errors.New("capture.display_id and capture.pid are mutually exclusive; configure exactly one target"))
	}
	if !cfg.Capture.System && !cfg.Capture.Mic {
		errs = append(errs, errors.New("capture: at least one of capture.system and capture.mic must be enabled"))
	}

	errs = append(errs, validateProcessing(cfg.Processing)...)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validateProcessing(p Processing) []error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("processing.sample_rate %d must be positive", p.SampleRate))
	}
	if p.Channels != 1 && p.Channels != 2 {
		errs = append(errs, fmt.Errorf("processing.channels %d must be 1 or 2", p.Channels))
	}
	if !p.SampleFormat.IsValid() {
		errs = append(errs, fmt.Errorf("processing.sample_format %q is invalid; valid values: i16, f32", p.SampleFormat))
	}
	if p.AECStreamDelayMs < 0 {
		errs = append(errs, fmt.Errorf("processing.aec_stream_delay_ms %d must not be negative", p.AECStreamDelayMs))
	}
	if p.AECMaxDelayMs <= 0 {
		errs = append(errs, fmt.Errorf("processing.aec_max_delay_ms %d must be positive", p.AECMaxDelayMs))
	}
	if p.AECStreamDelayMs > p.AECMaxDelayMs {
		errs = append(errs, fmt.Errorf("processing.aec_stream_delay_ms %d exceeds aec_max_delay_ms %d", p.AECStreamDelayMs, p.AECMaxDelayMs))
	}
	return errs
}
