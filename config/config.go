package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
}

// EngineConfig configures the data path and the aggregation windows.
type EngineConfig struct {
	// Capacity is the number of pre-allocated sample buffers.
	Capacity int `yaml:"capacity"`

	// BatchSize is the number of samples per buffer.
	BatchSize int `yaml:"batch_size"`

	// WindowDuration is the span of one aggregation window.
	WindowDuration time.Duration `yaml:"window_duration"`

	// RetainedWindows is how many closed windows to keep for
	// historical snapshots.
	RetainedWindows int `yaml:"retained_windows"`

	// Accuracy is the default histogram relative accuracy.
	Accuracy float64 `yaml:"accuracy"`

	// IdleWait bounds the engine loop's sleep with no traffic.
	IdleWait time.Duration `yaml:"idle_wait"`

	// BurstLimit, when positive, lets the buffer pool allocate that
	// many transient buffers past capacity instead of blocking
	// producers. Zero keeps the strict memory bound.
	BurstLimit int `yaml:"burst_limit"`
}

// DefaultConfig returns a Config populated with the documented
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Capacity:        DefaultCapacity,
			BatchSize:       DefaultBatchSize,
			WindowDuration:  DefaultWindowDuration,
			RetainedWindows: DefaultRetainedWindows,
			Accuracy:        DefaultAccuracy,
			IdleWait:        DefaultIdleWait,
		},
	}
}

// Load loads configuration from a YAML file. Environment variables in
// the file are expanded, and unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for nonsensical values.
func (c *Config) Validate() error {
	e := c.Engine
	if e.Capacity <= 0 {
		return fmt.Errorf("engine.capacity must be positive, got %d", e.Capacity)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive, got %d", e.BatchSize)
	}
	if e.WindowDuration <= 0 {
		return fmt.Errorf("engine.window_duration must be positive, got %s", e.WindowDuration)
	}
	if e.RetainedWindows < 1 {
		return fmt.Errorf("engine.retained_windows must be at least 1, got %d", e.RetainedWindows)
	}
	if e.Accuracy < 0 {
		return fmt.Errorf("engine.accuracy must not be negative, got %g", e.Accuracy)
	}
	if e.BurstLimit < 0 {
		return fmt.Errorf("engine.burst_limit must not be negative, got %d", e.BurstLimit)
	}
	return nil
}
