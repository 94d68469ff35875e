package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvBaseURL = "CLASSCHAT_BASE_URL"
	EnvToken   = "CLASSCHAT_TOKEN"
)

// Load reads, overlays and validates a YAML config file. Keys absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv overlays environment overrides using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBaseURL); ok && strings.TrimSpace(v) != "" {
		cfg.Server.BaseURL = strings.TrimSpace(v)
	}

	if v, ok := lookup(EnvToken); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.Token = strings.TrimSpace(v)
	}
}
