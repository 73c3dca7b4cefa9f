// Package config provides configuration loading and management for
// fiberorient3d. It handles loading configuration from YAML files and
// provides default values matching the reference pipeline parameters.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration indicates invalid tiling, scale or resource parameters.
// It is fatal before any tile runs.
var ErrConfiguration = errors.New("config: invalid configuration")

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Frangi filter parameters.
	Frangi struct {
		// Scales is the list of enhancement scales in micrometers. When
		// empty, scales are generated from ScaleMin/ScaleMax/ScaleStep.
		Scales []float64 `yaml:"scales"`

		// ScaleMin, ScaleMax and ScaleStep generate an inclusive scale
		// range when Scales is empty.
		ScaleMin  float64 `yaml:"scaleMin"`
		ScaleMax  float64 `yaml:"scaleMax"`
		ScaleStep float64 `yaml:"scaleStep"`

		// Alpha is the plate-like object sensitivity.
		Alpha float64 `yaml:"alpha"`

		// Beta is the blob-like object sensitivity.
		Beta float64 `yaml:"beta"`

		// Gamma is the background score sensitivity. Zero or negative
		// selects automatic derivation per tile and scale.
		Gamma float64 `yaml:"gamma"`

		// NoiseFloor is the minimum tubularity response below which a
		// voxel receives a null orientation.
		NoiseFloor float64 `yaml:"noiseFloor"`
	} `yaml:"frangi"`

	// Tiling parameters.
	Tiling struct {
		// CoreZ, CoreY and CoreX give the tile core extent in voxels.
		CoreZ int `yaml:"coreZ"`
		CoreY int `yaml:"coreY"`
		CoreX int `yaml:"coreX"`

		// Halo is the overlap margin in voxels. Zero derives the halo
		// from the largest filter scale.
		Halo int `yaml:"halo"`

		// MemoryBudgetMB bounds the in-memory footprint of one tile.
		MemoryBudgetMB int `yaml:"memoryBudgetMB"`
	} `yaml:"tiling"`

	// ODF aggregation parameters.
	ODF struct {
		// BlockSide is the super-voxel side in voxels.
		BlockSide int `yaml:"blockSide"`

		// NumBins is the number of hemisphere direction bins.
		NumBins int `yaml:"numBins"`

		// Degree is the even spherical harmonics expansion degree.
		Degree int `yaml:"degree"`
	} `yaml:"odf"`

	// Resource parameters.
	Resources struct {
		// Workers is the tile worker pool size. Zero uses all cores.
		Workers int `yaml:"workers"`

		// RetryLimit is the per-tile retry budget for transient failures.
		RetryLimit int `yaml:"retryLimit"`
	} `yaml:"resources"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Frangi.Scales = []float64{1.25}
	cfg.Frangi.Alpha = 0.001
	cfg.Frangi.Beta = 1.0
	cfg.Frangi.Gamma = 0 // automatic
	cfg.Frangi.NoiseFloor = 1e-4

	cfg.Tiling.CoreZ = 64
	cfg.Tiling.CoreY = 64
	cfg.Tiling.CoreX = 64
	cfg.Tiling.Halo = 0 // derived from the largest scale
	cfg.Tiling.MemoryBudgetMB = 512

	cfg.ODF.BlockSide = 16
	cfg.ODF.NumBins = 64
	cfg.ODF.Degree = 6

	cfg.Resources.Workers = runtime.NumCPU()
	cfg.Resources.RetryLimit = 2

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
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

// ScaleList returns the configured scales in micrometers, generating them
// from the min/max/step range when the explicit list is empty.
func (c *Config) ScaleList() ([]float64, error) {
	if len(c.Frangi.Scales) > 0 {
		for i, s := range c.Frangi.Scales {
			if s <= 0 {
				return nil, fmt.Errorf("%w: scale %d is non-positive (%g)", ErrConfiguration, i, s)
			}
			if i > 0 && s <= c.Frangi.Scales[i-1] {
				return nil, fmt.Errorf("%w: scales must be strictly increasing", ErrConfiguration)
			}
		}
		return c.Frangi.Scales, nil
	}
	if c.Frangi.ScaleMin <= 0 || c.Frangi.ScaleMax < c.Frangi.ScaleMin || c.Frangi.ScaleStep <= 0 {
		return nil, fmt.Errorf("%w: invalid scale range [%g, %g] step %g",
			ErrConfiguration, c.Frangi.ScaleMin, c.Frangi.ScaleMax, c.Frangi.ScaleStep)
	}
	var scales []float64
	for s := c.Frangi.ScaleMin; s <= c.Frangi.ScaleMax+1e-9; s += c.Frangi.ScaleStep {
		scales = append(scales, s)
	}
	return scales, nil
}

// Validate checks the configuration for parameter errors that would be fatal
// before any tile runs.
func (c *Config) Validate() error {
	if _, err := c.ScaleList(); err != nil {
		return err
	}
	if c.Frangi.Alpha <= 0 || c.Frangi.Beta <= 0 {
		return fmt.Errorf("%w: alpha and beta must be positive", ErrConfiguration)
	}
	if c.Frangi.NoiseFloor < 0 {
		return fmt.Errorf("%w: noise floor must be non-negative", ErrConfiguration)
	}
	if c.Tiling.CoreZ <= 0 || c.Tiling.CoreY <= 0 || c.Tiling.CoreX <= 0 {
		return fmt.Errorf("%w: tile core size must be positive", ErrConfiguration)
	}
	if c.Tiling.Halo < 0 {
		return fmt.Errorf("%w: halo must be non-negative", ErrConfiguration)
	}
	if c.Tiling.MemoryBudgetMB <= 0 {
		return fmt.Errorf("%w: memory budget must be positive", ErrConfiguration)
	}
	if c.ODF.BlockSide <= 0 {
		return fmt.Errorf("%w: ODF block side must be positive", ErrConfiguration)
	}
	if c.Tiling.CoreZ%c.ODF.BlockSide != 0 ||
		c.Tiling.CoreY%c.ODF.BlockSide != 0 ||
		c.Tiling.CoreX%c.ODF.BlockSide != 0 {
		return fmt.Errorf("%w: tile core size must be a multiple of the ODF block side", ErrConfiguration)
	}
	if c.ODF.NumBins <= 0 {
		return fmt.Errorf("%w: ODF bin count must be positive", ErrConfiguration)
	}
	if c.ODF.Degree < 0 || c.ODF.Degree%2 != 0 || c.ODF.Degree > 6 {
		return fmt.Errorf("%w: ODF degree must be an even number between 0 and 6", ErrConfiguration)
	}
	if c.Resources.Workers < 0 {
		return fmt.Errorf("%w: worker count must be non-negative", ErrConfiguration)
	}
	if c.Resources.RetryLimit < 0 {
		return fmt.Errorf("%w: retry limit must be non-negative", ErrConfiguration)
	}
	return nil
}
