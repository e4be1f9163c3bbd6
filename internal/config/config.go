// Package config loads the CLI and service configuration from YAML with
// struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/curastack/medlink/internal/publish"
	"github.com/curastack/medlink/internal/registry"
)

// Config is the full medlink configuration.
type Config struct {
	// LogLevel is a logrus level name: panic, fatal, error, warn, info,
	// debug, trace.
	LogLevel string `yaml:"log_level" default:"info"`

	// ScanDuration bounds one discovery scan pass.
	ScanDuration time.Duration `yaml:"scan_duration" default:"15s"`

	// ProbeTimeout is the per-characteristic wait during fallback profile
	// resolution.
	ProbeTimeout time.Duration `yaml:"probe_timeout" default:"5s"`

	// MaxFrameBytes caps the reassembly buffer per acquisition.
	MaxFrameBytes int `yaml:"max_frame_bytes" default:"4096"`

	// MQTT configures the optional reading publisher.
	MQTT publish.Options `yaml:"mqtt"`

	// Devices pre-registers known devices at startup.
	Devices []registry.DeviceIdentity `yaml:"devices"`
}

// Default returns a config with all struct-tag defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ScanDuration <= 0 {
		return fmt.Errorf("scan_duration must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("max_frame_bytes must be positive")
	}
	seen := map[string]bool{}
	for _, dev := range c.Devices {
		if dev.ID == "" {
			return fmt.Errorf("device entries need an id")
		}
		if seen[dev.ID] {
			return fmt.Errorf("duplicate device id %q", dev.ID)
		}
		seen[dev.ID] = true
	}
	return nil
}
