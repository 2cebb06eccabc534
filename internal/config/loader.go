package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/memprof/internal/constants"
	"github.com/coral-mesh/memprof/internal/safe"
)

// Load builds the configuration with layered precedence:
//  1. Defaults
//  2. YAML file named by MEMPROF_CONFIG (skipped if unset or missing)
//  3. Environment variables
//
// The result is validated.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(constants.EnvConfig))
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeFromFile loads configuration from a YAML file and merges it into cfg.
func mergeFromFile(cfg *Config, filePath string) error {
	data, err := safe.ReadFile(filePath, &safe.ReadOptions{AllowSymlinks: true})
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}
