// Package config loads the application configuration for the
// evaluation pool.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// PHPPath is the interpreter binary; PHPArgs typically points it at
	// the evaluator harness script.
	PHPPath string   `yaml:"php_path"`
	PHPArgs []string `yaml:"php_args"`
	PHPEnv  []string `yaml:"php_env"`

	// InitCode is evaluated on every worker spawn, before require
	// snippets.
	InitCode string `yaml:"init_code"`

	// DefaultMaxMemKB caps worker resident memory when a reservation
	// does not name its own ceiling. Zero disables the default cap.
	DefaultMaxMemKB int `yaml:"default_max_mem_kb"`

	// Workers is the pool size; zero means the logical CPU count.
	Workers int `yaml:"workers"`

	// RequireTimeoutMS bounds each initialisation snippet replayed after
	// a respawn.
	RequireTimeoutMS int `yaml:"require_timeout_ms"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		PHPPath: "php",
		Workers: runtime.NumCPU(),
	}
}

// Load reads a YAML configuration file. Unset fields keep the defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.PHPPath == "" {
		return nil, fmt.Errorf("parse %s: php_path is required", path)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

// RequireTimeout converts the configured bound, defaulting to 30s.
func (c *Config) RequireTimeout() time.Duration {
	if c.RequireTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequireTimeoutMS) * time.Millisecond
}
