// Package config provides run configuration for despot1.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"despot1/pkg/despot1"
	"despot1/pkg/sequence"
)

// Config represents a run configuration loaded from YAML
type Config struct {
	// Protocol describes the acquisition scheme the data was measured with
	Protocol struct {
		// Type selects the protocol family; "spgr" is the supported type
		Type string `yaml:"type"`

		// SPGR holds the spoiled gradient echo protocol parameters
		SPGR struct {
			// FlipDeg lists the nominal flip angles in degrees, in
			// acquisition order
			FlipDeg []float64 `yaml:"flipDeg"`

			// TR is the repetition time in seconds
			TR float64 `yaml:"tr"`
		} `yaml:"spgr"`
	} `yaml:"protocol"`

	// Fit controls the voxelwise fitting run
	Fit struct {
		// Algorithm selects the fitting strategy: l (linear), w
		// (weighted linear) or n (nonlinear)
		Algorithm string `yaml:"algorithm"`

		// Iterations is the weighted pass count for WLLS and the
		// evaluation-budget multiplier for NLLS
		Iterations int `yaml:"iterations"`

		// Threads specifies how many workers process the volume
		Threads int `yaml:"threads"`

		// AllResiduals writes per-acquisition residuals in addition to
		// the aggregate residual map
		AllResiduals bool `yaml:"allResiduals"`

		// OutPrefix is prepended to every output filename
		OutPrefix string `yaml:"outPrefix"`
	} `yaml:"fit"`

	// Signal controls forward signal synthesis
	Signal struct {
		// NoiseSigma is the standard deviation of the complex Gaussian
		// noise added to synthesized signals; zero disables noise
		NoiseSigma float64 `yaml:"noiseSigma"`

		// Seed makes noise reproducible; zero derives a seed from the
		// clock
		Seed uint64 `yaml:"seed"`
	} `yaml:"signal"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default protocol parameters
	cfg.Protocol.Type = "spgr"
	cfg.Protocol.SPGR.FlipDeg = []float64{5, 10, 15}
	cfg.Protocol.SPGR.TR = 0.005

	// Set default fit parameters
	cfg.Fit.Algorithm = "l"
	cfg.Fit.Iterations = despot1.DefaultIterations
	cfg.Fit.Threads = runtime.NumCPU() // Use all available cores by default
	cfg.Fit.AllResiduals = false
	cfg.Fit.OutPrefix = ""

	// Set default signal parameters
	cfg.Signal.NoiseSigma = 0
	cfg.Signal.Seed = 0

	return cfg
}

// BuildSequence constructs the acquisition protocol the configuration
// describes. Unknown protocol types are rejected here, before any
// processing starts.
func (c *Config) BuildSequence() (sequence.Sequence, error) {
	switch c.Protocol.Type {
	case "spgr":
		return sequence.NewSPGR(c.Protocol.SPGR.FlipDeg, c.Protocol.SPGR.TR)
	}
	return nil, fmt.Errorf("unknown protocol type %q (supported: spgr)", c.Protocol.Type)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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
