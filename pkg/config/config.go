// Package config provides configuration loading and management for ctcubes.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"ctcubes/pkg/logging"
	"ctcubes/pkg/normalize"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Input parameters
	Input struct {
		// ScanRoot is the directory searched for CT scans (MetaImage files
		// and DICOM series directories)
		ScanRoot string `yaml:"scanRoot"`

		// AnnotationsFile is the CSV of nodule annotations in world
		// coordinates
		AnnotationsFile string `yaml:"annotationsFile"`
	} `yaml:"input"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many scans to process in parallel
		NumWorkers int `yaml:"numWorkers"`

		// TargetSpacingMM is the isotropic voxel spacing scans are
		// resampled to, in mm per voxel
		TargetSpacingMM float64 `yaml:"targetSpacingMM"`

		// WindowLowHU and WindowHighHU bound the Hounsfield window that is
		// mapped onto [0, 1]
		WindowLowHU  float64 `yaml:"windowLowHU"`
		WindowHighHU float64 `yaml:"windowHighHU"`

		// PatchSize is the edge length of extracted cubes in voxels
		PatchSize int `yaml:"patchSize"`

		// BackgroundHU fills resampled regions outside the original scan
		BackgroundHU float64 `yaml:"backgroundHU"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// StoreDriver selects the artifact backend: fs, s3 or memory
		StoreDriver string `yaml:"storeDriver"`

		// StoreRoot is the directory of the fs driver
		StoreRoot string `yaml:"storeRoot"`

		// CatalogPath is the SQLite patch catalog; empty disables it
		CatalogPath string `yaml:"catalogPath"`

		// SavePreviews writes a PNG center slice next to each patch
		SavePreviews bool `yaml:"savePreviews"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Logging parameters
	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.ScanRoot = "scans"
	cfg.Input.AnnotationsFile = "annotations.csv"

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.TargetSpacingMM = 1.0
	cfg.Processing.WindowLowHU = -1000
	cfg.Processing.WindowHighHU = 400
	cfg.Processing.PatchSize = 64
	cfg.Processing.BackgroundHU = -1000

	cfg.Output.StoreDriver = "fs"
	cfg.Output.StoreRoot = "output"
	cfg.Output.CatalogPath = "catalog.db"
	cfg.Output.SavePreviews = false
	cfg.Output.Verbose = true

	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxBackups = 3

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

// Validate rejects configurations no run could succeed with. An inverted
// intensity window in particular is fatal before any scan is touched.
func (cfg *Config) Validate() error {
	window := normalize.Window{Low: cfg.Processing.WindowLowHU, High: cfg.Processing.WindowHighHU}
	if err := window.Validate(); err != nil {
		return err
	}
	if cfg.Processing.TargetSpacingMM <= 0 {
		return fmt.Errorf("target spacing must be positive, got %g", cfg.Processing.TargetSpacingMM)
	}
	if cfg.Processing.PatchSize <= 0 {
		return fmt.Errorf("patch size must be positive, got %d", cfg.Processing.PatchSize)
	}
	switch cfg.Output.StoreDriver {
	case "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Output.StoreDriver)
	}
	return nil
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

// CreateDefaultConfigFile creates a default configuration file at the specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
