// SPDX-License-Identifier: MIT

// Package config loads, validates, and persists the gateway daemon's
// process-level configuration: listen addresses, timezone handling,
// log retention, and the optional notification webhook. Per-device
// connection parameters live in the registry (internal/registry), not
// here; this package configures the daemon itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/slm-gateway/config.yaml"

// Config represents the complete gateway daemon configuration.
type Config struct {
	// HTTP contains the REST/WebSocket surface's listen settings.
	HTTP HTTPConfig `yaml:"http" koanf:"http"`

	// Registry contains the device registry's persistence settings.
	Registry RegistryConfig `yaml:"registry" koanf:"registry"`

	// Poller contains background-poll cadence and retention settings.
	Poller PollerConfig `yaml:"poller" koanf:"poller"`

	// Timezone describes the offset applied when interpreting device
	// clock and FTP directory timestamps (spec §4.8, §9 "timezone
	// offset is a fixed configured duration, not a tz database lookup").
	Timezone TimezoneConfig `yaml:"timezone" koanf:"timezone"`

	// Notify contains the optional outbound webhook settings.
	Notify NotifyConfig `yaml:"notify" koanf:"notify"`

	// Log contains per-device measurement log retention settings.
	Log LogConfig `yaml:"log" koanf:"log"`
}

// HTTPConfig contains REST/WebSocket server settings.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" koanf:"addr"`                   // listen address, e.g. ":8080"
	ReadTimeout  time.Duration `yaml:"read_timeout" koanf:"read_timeout"`   // per-request read timeout
	WriteTimeout time.Duration `yaml:"write_timeout" koanf:"write_timeout"` // per-request write timeout
}

// RegistryConfig contains device-registry persistence settings.
type RegistryConfig struct {
	Path string `yaml:"path" koanf:"path"` // JSON file backing internal/registry.File (empty = in-memory only)
}

// PollerConfig contains background-poller cadence settings (spec §4.7).
type PollerConfig struct {
	MinSleep      time.Duration `yaml:"min_sleep" koanf:"min_sleep"`             // floor on the inter-cycle wait
	MaxSleep      time.Duration `yaml:"max_sleep" koanf:"max_sleep"`             // ceiling on the inter-cycle wait
	NoDeviceSleep time.Duration `yaml:"no_device_sleep" koanf:"no_device_sleep"` // wait used when no device is enabled
}

// TimezoneConfig describes the fixed offset applied to device clock
// syncs and FTP-timestamp reconstruction.
type TimezoneConfig struct {
	Name   string        `yaml:"name" koanf:"name"`     // display name only, e.g. "Europe/Amsterdam"
	Offset time.Duration `yaml:"offset" koanf:"offset"` // fixed UTC offset, e.g. "1h"
}

// NotifyConfig contains the optional outbound webhook settings.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url" koanf:"webhook_url"` // empty disables notification entirely
	Timeout    time.Duration `yaml:"timeout" koanf:"timeout"`
}

// LogConfig contains per-device measurement log retention settings
// (spec §4.9's periodic cleanup).
type LogConfig struct {
	Dir       string        `yaml:"dir" koanf:"dir"`             // base directory for per-device logs (empty disables cleanup)
	Retention time.Duration `yaml:"retention" koanf:"retention"` // delete log files older than this
}

// LoadConfig reads and parses the configuration file.
//
// Parameters:
//   - path: Path to YAML configuration file
//
// Returns:
//   - *Config: Parsed configuration
//   - error: if file not found, invalid YAML, or validation fails
//
// Example:
//
//	cfg, err := LoadConfig("/etc/slm-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
// Tests can replace this with a function returning a mock atomicFile.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file.
//
// Parameters:
//   - path: Destination file path
//
// Returns:
//   - error: if marshaling fails or file write fails
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to disk,
	// then rename to the target path. os.Rename is atomic on most filesystems,
	// so a crash mid-write leaves either the old file or the new file, never
	// a partially-written file.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may contain sensitive settings (webhook URL) and
	// should not be world-readable.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr cannot be empty")
	}
	if c.Poller.MinSleep <= 0 || c.Poller.MaxSleep <= 0 {
		return fmt.Errorf("poller.min_sleep and poller.max_sleep must be positive")
	}
	if c.Poller.MinSleep > c.Poller.MaxSleep {
		return fmt.Errorf("poller.min_sleep must not exceed poller.max_sleep")
	}
	if c.Log.Retention < 0 {
		return fmt.Errorf("log.retention must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
//
// This is used when no config file exists or for testing.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Path: "/var/lib/slm-gateway/registry.json",
		},
		Poller: PollerConfig{
			MinSleep:      30 * time.Second,
			MaxSleep:      300 * time.Second,
			NoDeviceSleep: 60 * time.Second,
		},
		Timezone: TimezoneConfig{
			Name:   "UTC",
			Offset: -5 * time.Hour,
		},
		Notify: NotifyConfig{
			WebhookURL: "",
			Timeout:    5 * time.Second,
		},
		Log: LogConfig{
			Dir:       "/var/log/slm-gateway",
			Retention: 7 * 24 * time.Hour,
		},
	}
}
