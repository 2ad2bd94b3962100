// Package config provides configuration loading and management for mrireflect.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reflection parameters
	Reflect struct {
		// Center selects the point the mirror plane passes through: mass or geometric
		Center string `yaml:"center"`

		// TempDir is where scratch transform files are created (empty means os.TempDir)
		TempDir string `yaml:"tempDir"`
	} `yaml:"reflect"`

	// Registration parameters for the builtin engine
	Registration struct {
		// Metric is the default similarity metric
		Metric string `yaml:"metric"`

		// Bins is the histogram size used by the mattes metric
		Bins int `yaml:"bins"`

		// Iterations caps optimizer iterations per resolution level
		Iterations []int `yaml:"iterations"`

		// ShrinkFactors downsample both images at each level
		ShrinkFactors []int `yaml:"shrinkFactors"`

		// SmoothingSigmas is the Gaussian sigma in voxels at each level
		SmoothingSigmas []float64 `yaml:"smoothingSigmas"`

		// SamplingPercentage is the fraction of fixed voxels used to evaluate the metric
		SamplingPercentage float64 `yaml:"samplingPercentage"`

		// Seed makes metric sampling reproducible
		Seed int64 `yaml:"seed"`
	} `yaml:"registration"`

	// Resampling parameters
	Resample struct {
		// Interpolator is linear or nearestNeighbor
		Interpolator string `yaml:"interpolator"`

		// DefaultValue fills voxels that map outside the moving image
		DefaultValue float64 `yaml:"defaultValue"`

		// Workers bounds the number of goroutines used per resample
		Workers int `yaml:"workers"`
	} `yaml:"resample"`

	// Engine selection
	Engine struct {
		// Name is builtin or ants
		Name string `yaml:"name"`

		// AntsPath is the directory holding antsRegistration and antsApplyTransforms
		// (empty means look them up on PATH)
		AntsPath string `yaml:"antsPath"`

		// Threads is passed to ANTs through ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS
		Threads int `yaml:"threads"`
	} `yaml:"engine"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reflect.Center = "mass"

	// Four level affine schedule, as in the ANTs quick presets
	cfg.Registration.Metric = "mattes"
	cfg.Registration.Bins = 32
	cfg.Registration.Iterations = []int{200, 150, 100, 50}
	cfg.Registration.ShrinkFactors = []int{8, 4, 2, 1}
	cfg.Registration.SmoothingSigmas = []float64{3, 2, 1, 0}
	cfg.Registration.SamplingPercentage = 0.25
	cfg.Registration.Seed = 1

	cfg.Resample.Interpolator = "linear"
	cfg.Resample.DefaultValue = 0
	cfg.Resample.Workers = runtime.NumCPU()

	cfg.Engine.Name = "builtin"
	cfg.Engine.Threads = runtime.NumCPU()

	cfg.Output.Verbose = false
	cfg.Output.LogFormat = "text"

	return cfg
}

// Validate checks the values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	r := c.Registration
	if len(r.Iterations) == 0 {
		return fmt.Errorf("registration.iterations must not be empty")
	}
	if len(r.ShrinkFactors) != len(r.Iterations) || len(r.SmoothingSigmas) != len(r.Iterations) {
		return fmt.Errorf("registration schedule mismatch: %d iteration levels, %d shrink factors, %d smoothing sigmas",
			len(r.Iterations), len(r.ShrinkFactors), len(r.SmoothingSigmas))
	}
	for _, f := range r.ShrinkFactors {
		if f < 1 {
			return fmt.Errorf("registration.shrinkFactors must be >= 1, got %d", f)
		}
	}
	if r.SamplingPercentage <= 0 || r.SamplingPercentage > 1 {
		return fmt.Errorf("registration.samplingPercentage must be in (0, 1], got %g", r.SamplingPercentage)
	}
	switch c.Resample.Interpolator {
	case "linear", "nearestNeighbor":
	default:
		return fmt.Errorf("resample.interpolator must be linear or nearestNeighbor, got %q", c.Resample.Interpolator)
	}
	switch c.Output.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("output.logFormat must be text or json, got %q", c.Output.LogFormat)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
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
