package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dryhten/whoAsr/internal/model"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	Engine  EngineConfig  `yaml:"engine"`
	Models  ModelsConfig  `yaml:"models"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	BindAddress     string `yaml:"bind_address"`
	MaxSessions     int    `yaml:"max_sessions"`
	ReadTimeout     int    `yaml:"read_timeout"`     // seconds
	WriteTimeout    int    `yaml:"write_timeout"`    // seconds
	OutboundBuffer  int    `yaml:"outbound_buffer"`  // messages
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// HTTPConfig contains monitoring HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio normalization and windowing parameters
type AudioConfig struct {
	SampleRate        int `yaml:"sample_rate"`
	WindowMs          int `yaml:"window_ms"`
	MaxPendingWindows int `yaml:"max_pending_windows"`
	IdleTimeout       int `yaml:"idle_timeout"` // seconds
}

// EngineConfig contains inference worker pool configuration
type EngineConfig struct {
	Workers   int `yaml:"workers"`    // 0 = number of CPU cores
	QueueSize int `yaml:"queue_size"` // 0 = workers * 4
}

// ModelsConfig controls which models load at startup
type ModelsConfig struct {
	AutoLoad []string `yaml:"auto_load"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Models.Validate(); err != nil {
		return fmt.Errorf("models config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.OutboundBuffer < 1 {
		return fmt.Errorf("outbound_buffer must be at least 1 message, got %d", s.OutboundBuffer)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", s.MaxMessageBytes)
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

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the streaming model, got %d", a.SampleRate)
	}

	if a.WindowMs < 100 || a.WindowMs > 2000 {
		return fmt.Errorf("window_ms must be between 100 and 2000, got %d", a.WindowMs)
	}

	if a.SampleRate*a.WindowMs%1000 != 0 {
		return fmt.Errorf("window_ms %d does not yield a whole number of samples at %d Hz", a.WindowMs, a.SampleRate)
	}

	if a.MaxPendingWindows < 1 {
		return fmt.Errorf("max_pending_windows must be at least 1, got %d", a.MaxPendingWindows)
	}

	if a.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", a.IdleTimeout)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", e.Workers)
	}

	if e.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative, got %d", e.QueueSize)
	}

	return nil
}

// Validate validates models configuration
func (m *ModelsConfig) Validate() error {
	for _, name := range m.AutoLoad {
		if _, err := model.ParseType(name); err != nil {
			return fmt.Errorf("auto_load: %w", err)
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

// WindowSamples returns the number of samples in one fixed recognition window
func (a *AudioConfig) WindowSamples() int {
	return a.SampleRate * a.WindowMs / 1000
}

// GetWindowDuration returns the window length as a time.Duration
func (a *AudioConfig) GetWindowDuration() time.Duration {
	return time.Duration(a.WindowMs) * time.Millisecond
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (a *AudioConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AutoLoadTypes returns the parsed model types to load at startup
func (m *ModelsConfig) AutoLoadTypes() []model.Type {
	types := make([]model.Type, 0, len(m.AutoLoad))
	for _, name := range m.AutoLoad {
		if t, err := model.ParseType(name); err == nil {
			types = append(types, t)
		}
	}
	return types
}
