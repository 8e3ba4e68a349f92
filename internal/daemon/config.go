// Package daemon loads configuration and drives one embedding run end to end.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/flashembed/flashembed/internal/domain"
	"github.com/flashembed/flashembed/internal/infra/engine"
	"github.com/flashembed/flashembed/internal/infra/writer"
	"github.com/flashembed/flashembed/internal/logging"
	"github.com/flashembed/flashembed/internal/pipeline"
)

// Config holds all run configuration.
type Config struct {
	Model     ModelConfig     `toml:"model"`
	IO        IOConfig        `toml:"io"`
	Batch     BatchConfig     `toml:"batch"`
	Queues    QueueConfig     `toml:"queues"`
	Workers   WorkerConfig    `toml:"workers"`
	Retry     RetryConfig     `toml:"retry"`
	Output    OutputConfig    `toml:"output"`
	Logging   logging.Config  `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ModelConfig selects and configures the inference backend.
type ModelConfig struct {
	Backend       string `toml:"backend"`
	Name          string `toml:"name"`
	Path          string `toml:"path"`
	Device        string `toml:"device"`
	MaxBatch      int    `toml:"max_batch"`
	Dim           int    `toml:"dim"`
	RemoteURL     string `toml:"remote_url"`
	RemoteVersion string `toml:"remote_version"`
}

// IOConfig controls where items come from and how they are decoded.
type IOConfig struct {
	DataPaths  []string `toml:"data_paths"`
	DecodeSize int      `toml:"decode_size"`
	ResizeMode string   `toml:"resize_mode"`
	Shuffle    bool     `toml:"shuffle"`
	Seed       uint64   `toml:"seed"`
	Prefetch   int      `toml:"prefetch"`
}

// BatchConfig controls the dynamic batcher.
type BatchConfig struct {
	Size       int `toml:"size"`
	MaxDelayMS int `toml:"max_delay_ms"`
}

// QueueConfig sizes the inter-stage queues.
type QueueConfig struct {
	Capacity int `toml:"capacity"`
}

// WorkerConfig sets stage concurrency.
type WorkerConfig struct {
	DecodeWorkers int `toml:"decode_workers"`
	InferWorkers  int `toml:"infer_workers"`
}

// RetryConfig is recorded with the run. Failed items are not re-driven.
type RetryConfig struct {
	MaxRetries int `toml:"max_retries"`
	BackoffMS  int `toml:"backoff_ms"`
}

// OutputConfig controls where vectors are written.
type OutputConfig struct {
	Dir    string `toml:"dir"`
	Format string `toml:"format"`
}

// TelemetryConfig controls the status API served during a run.
type TelemetryConfig struct {
	Listen string `toml:"listen"` // empty disables the server
}

// DefaultConfig returns the defaults for a local run.
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			Backend: "mock",
			Name:    "ViT-B/32",
			Device:  "auto",
		},
		IO: IOConfig{
			DecodeSize: 224,
			ResizeMode: "bilinear",
			Prefetch:   2,
		},
		Batch: BatchConfig{
			Size:       32,
			MaxDelayMS: 10,
		},
		Queues: QueueConfig{
			Capacity: 512,
		},
		Workers: WorkerConfig{
			DecodeWorkers: 2,
			InferWorkers:  1,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BackoffMS:  100,
		},
		Output: OutputConfig{
			Dir:    "outputs",
			Format: "npy",
		},
		Logging: logging.Config{
			Level:     "info",
			File:      filepath.Join(Home(), "flashembed.log"),
			MaxSizeMB: 50,
			MaxFiles:  5,
		},
	}
}

// DefaultConfigPath is $FLASHEMBED_HOME/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. With an empty path the default
// location is used and a missing file simply yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if explicit {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as TOML, creating parent directories.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks everything that can be checked without touching the
// backend or the data.
func (c Config) Validate() error {
	if _, err := engine.Resolve(c.Model.Backend); err != nil {
		return err
	}
	if _, err := writer.ParseFormat(c.Output.Format); err != nil {
		return err
	}
	if len(c.IO.DataPaths) == 0 {
		return fmt.Errorf("%w: io.data_paths is empty", domain.ErrInvalidConfig)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("%w: output.dir is empty", domain.ErrInvalidConfig)
	}
	if c.IO.DecodeSize < 0 || c.IO.Prefetch < 0 {
		return fmt.Errorf("%w: io.decode_size and io.prefetch must not be negative", domain.ErrInvalidConfig)
	}
	if c.Batch.MaxDelayMS < 0 {
		return fmt.Errorf("%w: batch.max_delay_ms must not be negative", domain.ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return c.Pipeline().Validate()
}

// Pipeline extracts the orchestrator knobs.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		BatchSize:     c.Batch.Size,
		MaxDelay:      time.Duration(c.Batch.MaxDelayMS) * time.Millisecond,
		QueueCapacity: c.Queues.Capacity,
		DecodeWorkers: c.Workers.DecodeWorkers,
		InferWorkers:  c.Workers.InferWorkers,
	}
}

// EngineOptions extracts the backend options.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		Name:          c.Model.Name,
		Path:          c.Model.Path,
		Device:        c.Model.Device,
		MaxBatch:      c.Model.MaxBatch,
		Dim:           c.Model.Dim,
		RemoteURL:     c.Model.RemoteURL,
		RemoteVersion: c.Model.RemoteVersion,
		Home:          Home(),
	}
}

// Home returns the flashembed data directory.
func Home() string {
	if env := os.Getenv("FLASHEMBED_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".flashembed")
}
