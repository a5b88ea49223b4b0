package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg RelayConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*RelayConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	applyPortEnv(cfg)
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*RelayConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration built entirely from defaults, for
// running without a config file.
func Default() *RelayConfig {
	cfg := &RelayConfig{}
	cfg.applyDefaults()
	applyPortEnv(cfg)
	return cfg
}

// applyPortEnv lets the hosting platform override the listen port.
func applyPortEnv(cfg *RelayConfig) {
	p := os.Getenv("PORT")
	if p == "" {
		return
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return
	}
	cfg.Server.Port = port
}
