// Package config reads the strata configuration file
// (~/.config/strata/config.yaml by default).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

// Config holds file-level defaults. CLI flags override a field only when
// the flag is set explicitly.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Device         string `yaml:"device"`
	MemoryBudgetMB int64  `yaml:"memory_budget_mb"`
	LoadWorkers    int    `yaml:"load_workers"`

	KVWidth int `yaml:"kv_width"`

	StatusAddress string `yaml:"status_address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:      "info",
		LogFormat:     logger.FormatPretty,
		Device:        "cpu",
		KVWidth:       128,
		StatusAddress: "127.0.0.1:9464",
	}
}

// Path returns the default config file location, or "" when the user
// config directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// Load overlays the file at path onto Default. A missing file is not an
// error; an unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that has a closed set of values.
func (c Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", logger.FormatPretty, logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if _, err := device.ParseDevice(c.Device); err != nil {
		errs = append(errs, err)
	}
	if c.MemoryBudgetMB < 0 {
		errs = append(errs, fmt.Errorf("memory_budget_mb must not be negative, got %d", c.MemoryBudgetMB))
	}
	if c.LoadWorkers < 0 {
		errs = append(errs, fmt.Errorf("load_workers must not be negative, got %d", c.LoadWorkers))
	}
	if c.KVWidth < 0 {
		errs = append(errs, fmt.Errorf("kv_width must not be negative, got %d", c.KVWidth))
	}
	return errors.Join(errs...)
}

// BudgetBytes converts MemoryBudgetMB to bytes; 0 means unlimited.
func (c Config) BudgetBytes() int64 {
	return c.MemoryBudgetMB << 20
}
