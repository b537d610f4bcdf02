package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dubroom/capture-service/internal/audio"
)

// Config represents the complete capture agent configuration
type Config struct {
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Upload     UploadConfig     `yaml:"upload"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AudioConfig contains capture and processing parameters
type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	Gain           float32 `yaml:"gain"`
	FlushThreshold int     `yaml:"flush_threshold"` // samples per channel
}

// SessionConfig contains recording session behavior
type SessionConfig struct {
	DurationToleranceMs int `yaml:"duration_tolerance_ms"` // clip-vs-window mismatch allowance
	MaxTakes            int `yaml:"max_takes"`             // settled takes retained
	IdleTimeoutSeconds  int `yaml:"idle_timeout_seconds"`
}

// UploadConfig contains the collaborator hand-off settings
type UploadConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// PlaybackConfig contains synced review settings
type PlaybackConfig struct {
	Enabled             bool `yaml:"enabled"`
	FetchTimeoutSeconds int  `yaml:"fetch_timeout_seconds"` // remote clip download
}

// MonitoringConfig contains the HTTP monitoring server settings
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfig returns the configuration used when no file is given:
// studio defaults of 48kHz mono with the reference gain and flush
// threshold, a 100ms window tolerance, and monitoring on localhost.
func DefaultConfig() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate:     48000,
			Channels:       1,
			Gain:           audio.DefaultGain,
			FlushThreshold: audio.DefaultFlushThreshold,
		},
		Session: SessionConfig{
			DurationToleranceMs: 100,
			MaxTakes:            32,
			IdleTimeoutSeconds:  600,
		},
		Upload: UploadConfig{
			Enabled:        false,
			TimeoutSeconds: 30,
			MaxConcurrent:  4,
		},
		Playback: PlaybackConfig{
			Enabled:             true,
			FetchTimeoutSeconds: 15,
		},
		Monitoring: MonitoringConfig{
			Enabled:             true,
			Host:                "127.0.0.1",
			Port:                8080,
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Monitoring.Validate(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", a.Channels)
	}

	if a.Gain < audio.MinGain || a.Gain > audio.MaxGain {
		return fmt.Errorf("gain must be between %.1f and %.1f, got %.2f",
			audio.MinGain, audio.MaxGain, a.Gain)
	}

	if a.FlushThreshold < audio.MinFlushThreshold || a.FlushThreshold > audio.MaxFlushThreshold {
		return fmt.Errorf("flush_threshold must be between %d and %d, got %d",
			audio.MinFlushThreshold, audio.MaxFlushThreshold, a.FlushThreshold)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.DurationToleranceMs < 0 || s.DurationToleranceMs > 5000 {
		return fmt.Errorf("duration_tolerance_ms must be between 0 and 5000, got %d", s.DurationToleranceMs)
	}

	if s.MaxTakes < 1 {
		return fmt.Errorf("max_takes must be at least 1, got %d", s.MaxTakes)
	}

	if s.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("idle_timeout_seconds must be at least 1, got %d", s.IdleTimeoutSeconds)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	if !u.Enabled {
		return nil
	}

	if u.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when upload is enabled")
	}

	if u.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty when upload is enabled")
	}

	if u.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1, got %d", u.TimeoutSeconds)
	}

	if u.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", u.MaxConcurrent)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.Enabled && p.FetchTimeoutSeconds < 1 {
		return fmt.Errorf("fetch_timeout_seconds must be at least 1, got %d", p.FetchTimeoutSeconds)
	}

	return nil
}

// Validate validates monitoring configuration
func (m *MonitoringConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", m.Port)
	}

	if m.Host == "" {
		return fmt.Errorf("host cannot be empty when monitoring is enabled")
	}

	if m.ReadTimeoutSeconds < 1 {
		return fmt.Errorf("read_timeout_seconds must be at least 1, got %d", m.ReadTimeoutSeconds)
	}

	if m.WriteTimeoutSeconds < 1 {
		return fmt.Errorf("write_timeout_seconds must be at least 1, got %d", m.WriteTimeoutSeconds)
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

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// GetDurationTolerance returns the window mismatch allowance as a time.Duration
func (s *SessionConfig) GetDurationTolerance() time.Duration {
	return time.Duration(s.DurationToleranceMs) * time.Millisecond
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// GetTimeout returns the upload timeout as a time.Duration
func (u *UploadConfig) GetTimeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// GetFetchTimeout returns the remote clip download timeout as a time.Duration
func (p *PlaybackConfig) GetFetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutSeconds) * time.Second
}

// GetReadTimeout returns the monitoring server read timeout as a time.Duration
func (m *MonitoringConfig) GetReadTimeout() time.Duration {
	return time.Duration(m.ReadTimeoutSeconds) * time.Second
}

// GetWriteTimeout returns the monitoring server write timeout as a time.Duration
func (m *MonitoringConfig) GetWriteTimeout() time.Duration {
	return time.Duration(m.WriteTimeoutSeconds) * time.Second
}

// Address returns the monitoring server bind address
func (m *MonitoringConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}
