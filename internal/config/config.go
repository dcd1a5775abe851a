package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	Capture    CaptureConfig    `yaml:"capture" toml:"capture"`
	Upload     UploadConfig     `yaml:"upload" toml:"upload"`
	Transcript TranscriptConfig `yaml:"transcript" toml:"transcript"`
	Bus        BusConfig        `yaml:"bus" toml:"bus"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Archive    ArchiveConfig    `yaml:"archive" toml:"archive"`
	HTTP       HTTPConfig       `yaml:"http" toml:"http"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// CaptureConfig contains media capture and encoder parameters
type CaptureConfig struct {
	SampleRate    int    `yaml:"sample_rate" toml:"sample_rate"`
	ChunkInterval int    `yaml:"chunk_interval" toml:"chunk_interval"` // milliseconds
	ChunkDuration int    `yaml:"chunk_duration" toml:"chunk_duration"` // seconds, reported as l=
	MimeType      string `yaml:"mime_type" toml:"mime_type"`
	FFmpegPath    string `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	InputFormat   string `yaml:"input_format" toml:"input_format"`   // ffmpeg -f value
	DisplayInput  string `yaml:"display_input" toml:"display_input"` // ffmpeg -i value for tab/system audio
	MaxSkew       int    `yaml:"max_skew" toml:"max_skew"`           // milliseconds between mixer sources
}

// UploadConfig contains upload queue parameters
type UploadConfig struct {
	DrainInterval int `yaml:"drain_interval" toml:"drain_interval"` // milliseconds
	Timeout       int `yaml:"timeout" toml:"timeout"`               // seconds
}

// TranscriptConfig contains transcript poller parameters
type TranscriptConfig struct {
	CaptureMargin  int `yaml:"capture_margin" toml:"capture_margin"`     // seconds
	UIMargin       int `yaml:"ui_margin" toml:"ui_margin"`               // seconds
	UIPollInterval int `yaml:"ui_poll_interval" toml:"ui_poll_interval"` // milliseconds
}

// BusConfig contains cross-context message bus parameters
type BusConfig struct {
	Transport      string `yaml:"transport" toml:"transport"`             // "memory" or "nats"
	RequestTimeout int    `yaml:"request_timeout" toml:"request_timeout"` // seconds
	SweepInterval  int    `yaml:"sweep_interval" toml:"sweep_interval"`   // milliseconds
	NATSURL        string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix  string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// StoreConfig contains persisted state settings
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ArchiveConfig contains optional S3 archive settings
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Bucket   string `yaml:"bucket" toml:"bucket"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" toml:"port"`
	Address string `yaml:"address" toml:"address"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Default returns a configuration populated with the stock values.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SampleRate:    16000,
			ChunkInterval: 1000,
			ChunkDuration: 1,
			MimeType:      "audio/wav",
			FFmpegPath:    "ffmpeg",
			InputFormat:   "avfoundation",
			DisplayInput:  ":0",
			MaxSkew:       500,
		},
		Upload: UploadConfig{
			DrainInterval: 100,
			Timeout:       30,
		},
		Transcript: TranscriptConfig{
			CaptureMargin:  60,
			UIMargin:       300,
			UIPollInterval: 3000,
		},
		Bus: BusConfig{
			Transport:      "memory",
			RequestTimeout: 25,
			SweepInterval:  1000,
			NATSURL:        "nats://127.0.0.1:4222",
			SubjectPrefix:  "meetrelay",
		},
		Store: StoreConfig{
			Path: "state.json",
		},
		HTTP: HTTPConfig{
			Port:    8765,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML. Unset keys keep their defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyOverrides copies values set through flags or MEETRELAY_* environment
// variables on top of the file configuration.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v == nil {
		return
	}
	if v.IsSet("logging.level") {
		c.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		c.Logging.Format = v.GetString("logging.format")
	}
	if v.IsSet("http.port") {
		c.HTTP.Port = v.GetInt("http.port")
	}
	if v.IsSet("http.address") {
		c.HTTP.Address = v.GetString("http.address")
	}
	if v.IsSet("bus.transport") {
		c.Bus.Transport = v.GetString("bus.transport")
	}
	if v.IsSet("bus.nats_url") {
		c.Bus.NATSURL = v.GetString("bus.nats_url")
	}
	if v.IsSet("store.path") {
		c.Store.Path = v.GetString("store.path")
	}
	if v.IsSet("archive.bucket") {
		c.Archive.Bucket = v.GetString("archive.bucket")
		c.Archive.Enabled = c.Archive.Bucket != ""
	}
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.Transcript.Validate(); err != nil {
		return fmt.Errorf("transcript config: %w", err)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", c.SampleRate)
	}

	if c.ChunkInterval < 100 {
		return fmt.Errorf("chunk_interval must be at least 100 ms, got %d", c.ChunkInterval)
	}

	if c.ChunkDuration < 1 {
		return fmt.Errorf("chunk_duration must be at least 1 second, got %d", c.ChunkDuration)
	}

	if c.MimeType == "" {
		return fmt.Errorf("mime_type cannot be empty")
	}

	if c.MaxSkew < 0 {
		return fmt.Errorf("max_skew cannot be negative, got %d", c.MaxSkew)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	if u.DrainInterval < 10 {
		return fmt.Errorf("drain_interval must be at least 10 ms, got %d", u.DrainInterval)
	}

	if u.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", u.Timeout)
	}

	return nil
}

// Validate validates transcript configuration
func (t *TranscriptConfig) Validate() error {
	if t.CaptureMargin < 0 {
		return fmt.Errorf("capture_margin cannot be negative, got %d", t.CaptureMargin)
	}

	if t.UIMargin < 0 {
		return fmt.Errorf("ui_margin cannot be negative, got %d", t.UIMargin)
	}

	if t.UIPollInterval < 100 {
		return fmt.Errorf("ui_poll_interval must be at least 100 ms, got %d", t.UIPollInterval)
	}

	return nil
}

// Validate validates bus configuration
func (b *BusConfig) Validate() error {
	validTransports := map[string]bool{"memory": true, "nats": true}
	if !validTransports[b.Transport] {
		return fmt.Errorf("transport must be 'memory' or 'nats', got '%s'", b.Transport)
	}

	if b.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout must be at least 1 second, got %d", b.RequestTimeout)
	}

	if b.SweepInterval < 10 {
		return fmt.Errorf("sweep_interval must be at least 10 ms, got %d", b.SweepInterval)
	}

	if b.Transport == "nats" {
		if b.NATSURL == "" {
			return fmt.Errorf("nats_url cannot be empty when transport is 'nats'")
		}
		if b.SubjectPrefix == "" {
			return fmt.Errorf("subject_prefix cannot be empty when transport is 'nats'")
		}
	}

	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty when archive is enabled")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetChunkInterval returns the encoder flush interval as a time.Duration
func (c *CaptureConfig) GetChunkInterval() time.Duration {
	return time.Duration(c.ChunkInterval) * time.Millisecond
}

// GetMaxSkewSamples converts the allowed mixer skew into samples
func (c *CaptureConfig) GetMaxSkewSamples() int {
	return c.SampleRate * c.MaxSkew / 1000
}

// GetDrainInterval returns the queue drain interval as a time.Duration
func (u *UploadConfig) GetDrainInterval() time.Duration {
	return time.Duration(u.DrainInterval) * time.Millisecond
}

// GetTimeoutDuration returns the HTTP timeout as a time.Duration
func (u *UploadConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}

// GetCaptureMargin returns the capture-side watermark margin
func (t *TranscriptConfig) GetCaptureMargin() time.Duration {
	return time.Duration(t.CaptureMargin) * time.Second
}

// GetUIMargin returns the UI-side watermark margin
func (t *TranscriptConfig) GetUIMargin() time.Duration {
	return time.Duration(t.UIMargin) * time.Second
}

// GetUIPollInterval returns the UI-side poll interval
func (t *TranscriptConfig) GetUIPollInterval() time.Duration {
	return time.Duration(t.UIPollInterval) * time.Millisecond
}

// GetRequestTimeout returns the default bus request timeout
func (b *BusConfig) GetRequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// GetSweepInterval returns the pending request sweep interval
func (b *BusConfig) GetSweepInterval() time.Duration {
	return time.Duration(b.SweepInterval) * time.Millisecond
}
