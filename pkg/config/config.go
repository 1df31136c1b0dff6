// Package config provides configuration loading and management for tms2mni.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"tms2mni/internal/errors"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Paths to reference data and external tools
	Paths struct {
		// Template is the standardized-space anatomical template (e.g. MNI152 T1 1mm)
		Template string `yaml:"template"`

		// Atlas is the discrete label volume sharing the template's space
		Atlas string `yaml:"atlas"`

		// AtlasLabels is the index to region name dictionary (YAML map or text list)
		AtlasLabels string `yaml:"atlasLabels"`

		// Dcm2niix is the DICOM to NIfTI converter executable
		Dcm2niix string `yaml:"dcm2niix"`

		// ANTsRegistration is the SyN registration script
		ANTsRegistration string `yaml:"antsRegistration"`

		// ANTsApplyTransforms resamples images through a transform list
		ANTsApplyTransforms string `yaml:"antsApplyTransforms"`
	} `yaml:"paths"`

	// Staging parameters
	Staging struct {
		// SphereRadius is the radius in voxels of every region-of-interest sphere
		SphereRadius float64 `yaml:"sphereRadius"`
	} `yaml:"staging"`

	// Registration parameters
	Registration struct {
		// Timeout bounds a single external registration or resampling call
		Timeout time.Duration `yaml:"timeout"`

		// Threads is passed to the registration engine
		Threads int `yaml:"threads"`

		// Interpolation used when warping label masks: Linear, NearestNeighbor or GenericLabel
		Interpolation string `yaml:"interpolation"`

		// ReuseTransform registers each subject once and reuses the transform for the mirrored mask
		ReuseTransform bool `yaml:"reuseTransform"`
	} `yaml:"registration"`

	// Batch parameters
	Batch struct {
		// Workers is the number of subjects processed concurrently
		Workers int `yaml:"workers"`

		// Cleanup removes tmp-marked intermediate files after each subject
		Cleanup bool `yaml:"cleanup"`

		// ConversionTimeout bounds a single dcm2niix call
		ConversionTimeout time.Duration `yaml:"conversionTimeout"`
	} `yaml:"batch"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFormat is "text" or "json"
		LogFormat string `yaml:"logFormat"`

		// SaveQA writes orthogonal JPEG slices through every standardized target
		SaveQA bool `yaml:"saveQA"`

		// MetricsFile, when set, receives Prometheus metrics in textfile format
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	share := filepath.Join(cwd, "share")

	cfg.Paths.Template = filepath.Join(share, "MNI152_T1_1mm.nii.gz")
	cfg.Paths.Atlas = filepath.Join(share, "HarvardOxford-cort-maxprob-thr25-1mm.nii.gz")
	cfg.Paths.AtlasLabels = filepath.Join(share, "HarvardOxford-cort-labels.txt")
	cfg.Paths.Dcm2niix = "dcm2niix"
	cfg.Paths.ANTsRegistration = "antsRegistrationSyNQuick.sh"
	cfg.Paths.ANTsApplyTransforms = "antsApplyTransforms"

	cfg.Staging.SphereRadius = 2

	cfg.Registration.Timeout = 2 * time.Hour
	cfg.Registration.Threads = runtime.NumCPU()
	cfg.Registration.Interpolation = "Linear"
	cfg.Registration.ReuseTransform = true

	cfg.Batch.Workers = 1
	cfg.Batch.Cleanup = true
	cfg.Batch.ConversionTimeout = 10 * time.Minute

	cfg.Output.Verbose = false
	cfg.Output.LogFormat = "text"
	cfg.Output.SaveQA = false

	return cfg
}

// Validate checks value ranges that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Staging.SphereRadius < 0 {
		return errors.New(fmt.Errorf("sphere radius must be non-negative, got %v", c.Staging.SphereRadius)).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	if c.Batch.Workers < 1 {
		return errors.New(fmt.Errorf("workers must be at least 1, got %d", c.Batch.Workers)).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	if c.Registration.Timeout <= 0 {
		return errors.New(fmt.Errorf("registration timeout must be positive")).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	if c.Batch.ConversionTimeout <= 0 {
		return errors.New(fmt.Errorf("conversion timeout must be positive")).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	switch c.Registration.Interpolation {
	case "Linear", "NearestNeighbor", "GenericLabel":
	default:
		return errors.New(fmt.Errorf("unsupported interpolation %q", c.Registration.Interpolation)).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	if c.Paths.Template == "" || c.Paths.Atlas == "" || c.Paths.AtlasLabels == "" {
		return errors.New(fmt.Errorf("template, atlas and atlas labels paths are required")).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
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
