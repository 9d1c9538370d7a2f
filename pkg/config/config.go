// Package config loads and validates the Warden daemon configuration.
// Policy parameters the engine deliberately does not hard-code, notably the
// cancellation grace period and the terminal-task retention window, live
// here.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/telemetry"
)

// Config is the full daemon configuration.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Macros    MacroConfig      `yaml:"macros"`
	Database  DatabaseConfig   `yaml:"database"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig tunes the task engine.
type EngineConfig struct {
	// MaxLiveTasks bounds the registry; zero means unbounded.
	MaxLiveTasks int `yaml:"max_live_tasks" validate:"min=0"`

	// RetentionWindow is how long terminal tasks stay readable before
	// eviction, so late subscribers can still fetch final status.
	RetentionWindow time.Duration `yaml:"retention_window" validate:"required,min=1s"`

	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"required,min=1s"`

	// SubscriberBuffer is the default per-subscriber notification buffer.
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"required,min=1"`
}

// MacroConfig tunes the macro sandbox.
type MacroConfig struct {
	// Dir is the directory holding .star macro files.
	Dir string `yaml:"dir" validate:"required"`

	// Timeout is the wall-clock budget per macro run.
	Timeout time.Duration `yaml:"timeout" validate:"required,min=1s"`

	// MaxSteps is the interpreter step budget per macro run.
	MaxSteps uint64 `yaml:"max_steps" validate:"required,min=1000"`

	// CancelGracePeriod bounds forced termination of a cancelled script.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period" validate:"required,min=100ms"`
}

// DatabaseConfig configures the notification history store.
type DatabaseConfig struct {
	// Path is the sqlite database file. Empty disables persistence.
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxLiveTasks:     0,
			RetentionWindow:  5 * time.Minute,
			SweepInterval:    30 * time.Second,
			SubscriberBuffer: 64,
		},
		Macros: MacroConfig{
			Dir:               "macros",
			Timeout:           5 * time.Minute,
			MaxSteps:          10_000_000,
			CancelGracePeriod: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "warden.db",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
