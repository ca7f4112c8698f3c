// Package config provides the configuration schema, loader, and defaults for
// the Talvox client.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talvox/talvox/pkg/capture"
	"github.com/talvox/talvox/pkg/transcribe"
)

// LogLevel controls log verbosity for the Talvox client.
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

// Level converts l to its slog equivalent. Unset or unknown values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a [time.Duration] that reads from YAML as a Go duration string
// such as "20ms" or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Talvox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// [Default] supplies every value a file may omit.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Capture CaptureConfig `yaml:"capture"`
	Link    LinkConfig    `yaml:"link"`
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
}

// ServiceConfig selects the transcription service and the recognition
// parameters sent with every session.
type ServiceConfig struct {
	// APIKey authenticates against the service. The TALVOX_API_KEY
	// environment variable overrides it so keys can stay out of
	// checked-in files.
	APIKey string `yaml:"api_key"`

	// Endpoint is the websocket URL of the streaming endpoint.
	// Leave empty to use the service default.
	Endpoint string `yaml:"endpoint"`

	// Language is the BCP 47 tag of the expected speech (e.g., "en", "de-AT").
	Language string `yaml:"language"`

	// Model selects the recognition model (e.g., "live-general").
	Model string `yaml:"model"`

	// VAD enables server-side voice activity detection events.
	VAD bool `yaml:"vad"`

	// Interim enables partial (mutable) transcription results.
	Interim bool `yaml:"interim"`
}

// CaptureConfig holds microphone settings.
type CaptureConfig struct {
	// Device is the input device identifier. Empty means the system default.
	Device string `yaml:"device"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device channel count (1 or 2). Stereo input is
	// downmixed before encoding.
	Channels int `yaml:"channels"`

	// ChunkDuration is the length of each encoded audio chunk.
	ChunkDuration Duration `yaml:"chunk_duration"`

	// MeterCadence is how often a raw sample is emitted for the level meter.
	MeterCadence Duration `yaml:"meter_cadence"`
}

// LinkConfig tunes the websocket link to the service.
type LinkConfig struct {
	// SendBuffer is the outbound chunk queue length. When the network falls
	// behind, the oldest undelivered chunk is dropped first.
	SendBuffer int `yaml:"send_buffer"`

	// HandshakeTimeout caps how long the dial waits for the service to
	// confirm the session.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// GraceTimeout caps how long a stopping session waits for trailing
	// results before closing the connection anyway.
	GraceTimeout Duration `yaml:"grace_timeout"`
}

// StoreConfig locates the local session database.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means
	// <user config dir>/talvox/sessions.db.
	Path string `yaml:"path"`
}

// ServerConfig holds the optional admin listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the health and metrics endpoints
	// (e.g., "127.0.0.1:9465"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, receives logs instead of stderr. The live view
	// always logs to a file (or discards logs) so the terminal stays clean.
	LogFile string `yaml:"log_file"`
}

// Default returns a Config populated with every default value. Loading
// decodes on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Endpoint: "wss://api.talvox.io/v1/listen",
			Language: "en",
			Model:    "live-general",
			VAD:      true,
			Interim:  true,
		},
		Capture: CaptureConfig{
			SampleRate:    48000,
			Channels:      1,
			ChunkDuration: Duration(20 * time.Millisecond),
			MeterCadence:  Duration(50 * time.Millisecond),
		},
		Link: LinkConfig{
			SendBuffer:       100,
			HandshakeTimeout: Duration(10 * time.Second),
			GraceTimeout:     Duration(5 * time.Second),
		},
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
	}
}

// CaptureConfig returns the capture settings in the form pkg/capture expects.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Device:        c.Capture.Device,
		SampleRate:    c.Capture.SampleRate,
		Channels:      c.Capture.Channels,
		ChunkDuration: c.Capture.ChunkDuration.Std(),
		MeterCadence:  c.Capture.MeterCadence.Std(),
	}
}

// LinkConfig returns the per-session stream settings for the dialer. The
// previous-session id is filled in per session, not from configuration.
func (c *Config) LinkConfig() transcribe.Config {
	return transcribe.Config{
		Language:       c.Service.Language,
		Model:          c.Service.Model,
		EnableVAD:      c.Service.VAD,
		InterimResults: c.Service.Interim,
	}
}

// DefaultPath returns the default config file location,
// <user config dir>/talvox/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(dir, "talvox", "config.yaml"), nil
}

// StorePath returns the session database location: the configured path, or
// the default below the user config dir.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(dir, "talvox", "sessions.db"), nil
}

// ExampleYAML is the annotated starter configuration written by
// `talvox config init`. Every value shown is the default.
const ExampleYAML = `# Talvox configuration.
service:
  # API key for the transcription service. The TALVOX_API_KEY environment
  # variable overrides this value.
  api_key: ""
  endpoint: "wss://api.talvox.io/v1/listen"
  language: "en"
  model: "live-general"
  # Server-side voice activity detection (speechStart/speechEnd events).
  vad: true
  # Partial (mutable) transcription results while you speak.
  interim: true

capture:
  # Input device. Empty uses the system default microphone.
  device: ""
  sample_rate: 48000
  channels: 1
  chunk_duration: "20ms"
  meter_cadence: "50ms"

link:
  # Outbound chunk queue; the oldest chunk is dropped when it overflows.
  send_buffer: 100
  handshake_timeout: "10s"
  grace_timeout: "5s"

store:
  # Session database. Empty uses <user config dir>/talvox/sessions.db.
  path: ""

server:
  # Health and metrics listener, e.g. "127.0.0.1:9465". Empty disables it.
  listen_addr: ""
  log_level: "info"
  # Log destination for the live view. Empty discards logs while the TUI runs.
  log_file: ""
`
