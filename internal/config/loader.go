package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// opusFrameDurations lists the frame sizes the Opus codec encodes natively.
// Other chunk durations work but cost an extra repacketising step.
var opusFrameDurations = []time.Duration{
	2500 * time.Microsecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	60 * time.Millisecond,
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides, and validates the result. Unknown keys are errors.
// An empty input yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides to cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TALVOX_API_KEY"); v != "" {
		cfg.Service.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
//
// The API key is deliberately not required here: listing and exporting stored
// sessions must work without credentials. The live command enforces it.
func Validate(cfg *Config) error {
	var errs []error

	// Service
	if cfg.Service.Endpoint != "" {
		u, err := url.Parse(cfg.Service.Endpoint)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("service.endpoint %q is not a valid URL: %w", cfg.Service.Endpoint, err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("service.endpoint %q must use the ws or wss scheme", cfg.Service.Endpoint))
		}
	}
	if cfg.Service.Language != "" {
		if _, err := language.Parse(cfg.Service.Language); err != nil {
			errs = append(errs, fmt.Errorf("service.language %q is not a valid BCP 47 tag: %w", cfg.Service.Language, err))
		}
	}

	// Capture
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 1 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d must be 1 or 2", cfg.Capture.Channels))
	}
	if cfg.Capture.ChunkDuration <= 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_duration %v must be positive", cfg.Capture.ChunkDuration.Std()))
	} else if !slices.Contains(opusFrameDurations, cfg.Capture.ChunkDuration.Std()) {
		slog.Warn("capture.chunk_duration is not a native Opus frame size",
			"value", cfg.Capture.ChunkDuration.Std(),
			"native", opusFrameDurations,
		)
	}
	if cfg.Capture.MeterCadence <= 0 {
		errs = append(errs, fmt.Errorf("capture.meter_cadence %v must be positive", cfg.Capture.MeterCadence.Std()))
	}

	// Link
	if cfg.Link.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("link.send_buffer %d must be positive", cfg.Link.SendBuffer))
	}
	if cfg.Link.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("link.handshake_timeout %v must be positive", cfg.Link.HandshakeTimeout.Std()))
	}
	if cfg.Link.GraceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("link.grace_timeout %v must be positive", cfg.Link.GraceTimeout.Std()))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}
