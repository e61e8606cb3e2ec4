// ============================================================================
// framejobs Config - YAML configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the framejobs YAML configuration file and turn it into the
//          settings of the runner, the asset storage, the batch queue, the logger
//          and the diagnostics server.
//
// Loading:
//   Load starts from Default() and unmarshals the file on top of it, so a file only
//   needs the keys it changes. Durations use Go syntax ("20ms", "1s").
//
// Example (configs/default.yaml):
//   runner:
//     min_jobs: 5
//     target_frame: 20ms
//     frame_margin: 9ms
//     sweep_interval: 60
//   assets:
//     root: assets
//     chunk_size: 32768
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/frame-jobs/internal/assets"
	"github.com/ChuLiYu/frame-jobs/internal/batch"
	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/logging"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid config")

// Config represents the complete configuration file
type Config struct {
	Runner RunnerConfig `yaml:"runner"`
	Assets AssetsConfig `yaml:"assets"`
	Batch  BatchConfig  `yaml:"batch"`
	Log    LogConfig    `yaml:"log"`
	Diag   DiagConfig   `yaml:"diag"`
}

// RunnerConfig is the frame budget
type RunnerConfig struct {
	MinJobs     int           `yaml:"min_jobs"`
	TargetFrame time.Duration `yaml:"target_frame"`
	FrameMargin time.Duration `yaml:"frame_margin"`
	// SweepInterval is the number of frames between asset cache sweeps; 0 disables them
	SweepInterval int `yaml:"sweep_interval"`
}

type AssetsConfig struct {
	Root      string `yaml:"root"`
	ChunkSize int    `yaml:"chunk_size"`
}

type BatchConfig struct {
	MaxBuffers int `yaml:"max_buffers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiagConfig controls the optional diagnostics endpoints
type DiagConfig struct {
	Enabled  bool   `yaml:"enabled"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	rc := jobs.DefaultConfig()
	return &Config{
		Runner: RunnerConfig{
			MinJobs:       rc.MinJobs,
			TargetFrame:   rc.TargetFrame,
			FrameMargin:   rc.FrameMargin,
			SweepInterval: 60,
		},
		Assets: AssetsConfig{
			Root:      "assets",
			ChunkSize: assets.DefaultChunkSize,
		},
		Batch: BatchConfig{MaxBuffers: batch.DefaultMaxBuffers},
		Log:   LogConfig{Level: "info", Format: "text"},
		Diag: DiagConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":50051",
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Runner.MinJobs > 0, "runner.min_jobs must be positive, got %d", c.Runner.MinJobs)
	check(c.Runner.TargetFrame > 0, "runner.target_frame must be positive, got %s", c.Runner.TargetFrame)
	check(c.Runner.FrameMargin >= 0 && c.Runner.FrameMargin < c.Runner.TargetFrame,
		"runner.frame_margin must be in [0, target_frame), got %s", c.Runner.FrameMargin)
	check(c.Runner.SweepInterval >= 0, "runner.sweep_interval must not be negative")
	check(c.Assets.ChunkSize > 0, "assets.chunk_size must be positive, got %d", c.Assets.ChunkSize)
	check(c.Batch.MaxBuffers > 0, "batch.max_buffers must be positive, got %d", c.Batch.MaxBuffers)

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if c.Diag.Enabled {
		check(c.Diag.HTTPAddr != "" || c.Diag.GRPCAddr != "", "diag is enabled without http_addr or grpc_addr")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Jobs converts the runner section
func (c *Config) Jobs() jobs.Config {
	return jobs.Config{
		MinJobs:     c.Runner.MinJobs,
		TargetFrame: c.Runner.TargetFrame,
		FrameMargin: c.Runner.FrameMargin,
	}
}

// Marshal renders the effective configuration
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
