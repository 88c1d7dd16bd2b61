// Package config provides configuration loading and management for microctsr.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"microctsr/pkg/logging"
)

// Config represents the application configuration
type Config struct {
	// Processing parameters
	Processing struct {
		// ScaleFactor is the isotropic upscaling factor, 2 or 4
		ScaleFactor int `yaml:"scaleFactor" toml:"scale_factor"`

		// CubeSize is the edge length of tiles in input voxels. Zero disables
		// tiling even above the memory threshold.
		CubeSize int `yaml:"cubeSize" toml:"cube_size"`

		// MemoryThreshold is the largest estimated footprint processed
		// without tiling, e.g. "2GiB"
		MemoryThreshold string `yaml:"memoryThreshold" toml:"memory_threshold"`

		// Workers bounds concurrent adapter calls per slice stack
		Workers int `yaml:"workers" toml:"workers"`

		// CubeWorkers bounds how many cubes are processed at once
		CubeWorkers int `yaml:"cubeWorkers" toml:"cube_workers"`

		// SliceTimeout and CubeTimeout are Go duration strings; empty means
		// no limit
		SliceTimeout string `yaml:"sliceTimeout" toml:"slice_timeout"`
		CubeTimeout  string `yaml:"cubeTimeout" toml:"cube_timeout"`

		// Resample selects the fusion resize kernel: trilinear or nearest
		Resample string `yaml:"resample" toml:"resample"`

		AspectTolerance float64 `yaml:"aspectTolerance" toml:"aspect_tolerance"`
	} `yaml:"processing" toml:"processing"`

	// Upsampler selects the 2D patch inference adapter
	Upsampler struct {
		// Kind is bicubic, bilinear, nearest or http
		Kind string `yaml:"kind" toml:"kind"`

		// Endpoint is the inference server URL used when Kind is http
		Endpoint string `yaml:"endpoint" toml:"endpoint"`
	} `yaml:"upsampler" toml:"upsampler"`

	// Output parameters
	Output struct {
		// URL is a local directory or blob URL (file:///, mem://, gs://, s3://)
		URL string `yaml:"url" toml:"url"`

		// Format is raw, png or tiff
		Format string `yaml:"format" toml:"format"`

		// BitDepth of stored voxels, 8 or 16
		BitDepth int `yaml:"bitDepth" toml:"bit_depth"`

		// Compression applies to raw output only: none or zstd
		Compression string `yaml:"compression" toml:"compression"`

		// DataRange is the intensity mapped to the largest stored value
		DataRange float64 `yaml:"dataRange" toml:"data_range"`
	} `yaml:"output" toml:"output"`

	Logging logging.Config `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.ScaleFactor = 2
	cfg.Processing.CubeSize = 64
	cfg.Processing.MemoryThreshold = "2GiB"
	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.CubeWorkers = 2
	cfg.Processing.SliceTimeout = "1m"
	cfg.Processing.CubeTimeout = ""
	cfg.Processing.Resample = "trilinear"
	cfg.Processing.AspectTolerance = 0.05

	cfg.Upsampler.Kind = "bicubic"

	cfg.Output.URL = "output"
	cfg.Output.Format = "raw"
	cfg.Output.BitDepth = 16
	cfg.Output.Compression = "none"
	cfg.Output.DataRange = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 30

	return cfg
}

// Validate rejects unsupported or inconsistent values.
func (c *Config) Validate() error {
	p := c.Processing
	if p.ScaleFactor != 2 && p.ScaleFactor != 4 {
		return fmt.Errorf("scale factor must be 2 or 4, got %d", p.ScaleFactor)
	}
	if p.CubeSize < 0 {
		return fmt.Errorf("cube size must not be negative, got %d", p.CubeSize)
	}
	if _, err := c.MemoryThresholdBytes(); err != nil {
		return err
	}
	if p.Workers < 1 || p.CubeWorkers < 1 {
		return fmt.Errorf("workers and cubeWorkers must be at least 1")
	}
	if _, _, err := c.Timeouts(); err != nil {
		return err
	}
	switch p.Resample {
	case "trilinear", "nearest":
	default:
		return fmt.Errorf("unknown resample method %q", p.Resample)
	}
	if p.AspectTolerance < 0 {
		return fmt.Errorf("aspect tolerance must not be negative, got %v", p.AspectTolerance)
	}

	switch c.Upsampler.Kind {
	case "bicubic", "bilinear", "nearest":
	case "http":
		if c.Upsampler.Endpoint == "" {
			return fmt.Errorf("http upsampler requires an endpoint")
		}
	default:
		return fmt.Errorf("unknown upsampler kind %q", c.Upsampler.Kind)
	}

	o := c.Output
	switch strings.ToLower(o.Format) {
	case "raw", "png", "tif", "tiff":
	default:
		return fmt.Errorf("unknown output format %q", o.Format)
	}
	if o.BitDepth != 8 && o.BitDepth != 16 {
		return fmt.Errorf("bit depth must be 8 or 16, got %d", o.BitDepth)
	}
	switch o.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", o.Compression)
	}
	if o.DataRange <= 0 {
		return fmt.Errorf("data range must be positive, got %v", o.DataRange)
	}
	if c.Logging.Level != "" {
		if _, err := logging.ParseMode(c.Logging.Level); err != nil {
			return err
		}
	}
	return nil
}

// MemoryThresholdBytes parses the memory threshold. An empty threshold means
// no limit and returns 0.
func (c *Config) MemoryThresholdBytes() (uint64, error) {
	if c.Processing.MemoryThreshold == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Processing.MemoryThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid memory threshold %q: %w", c.Processing.MemoryThreshold, err)
	}
	return n, nil
}

// Timeouts parses the per-slice and per-cube timeouts.
func (c *Config) Timeouts() (slice, cube time.Duration, err error) {
	if slice, err = parseDuration(c.Processing.SliceTimeout); err != nil {
		return 0, 0, fmt.Errorf("invalid slice timeout: %w", err)
	}
	if cube, err = parseDuration(c.Processing.CubeTimeout); err != nil {
		return 0, 0, fmt.Errorf("invalid cube timeout: %w", err)
	}
	return slice, cube, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", s)
	}
	return d, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML file, or TOML when the path
// ends in .toml. If the file doesn't exist, it returns the default
// configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
