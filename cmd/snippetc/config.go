package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const ConfigFilename = "snippetc.yaml"

// Config holds the defaults for a batch. Flags given on the command line
// win over the file.
type Config struct {
	Version int `yaml:"version"`

	Arch   string `yaml:"arch"`
	Output string `yaml:"output"`
	Jobs   int    `yaml:"jobs,omitempty"`
	// Cross generates code for a CPU with every optional feature instead
	// of the host.
	Cross     bool   `yaml:"cross,omitempty"`
	Precision string `yaml:"precision,omitempty"`
	LogLevel  string `yaml:"logLevel,omitempty"`
	Dump      bool   `yaml:"dump,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Arch == "" {
		c.Arch = "aarch64"
	}
	if c.Output == "" {
		c.Output = "out"
	}
	if c.Jobs <= 0 {
		c.Jobs = runtime.GOMAXPROCS(0)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// LoadConfig reads path. A missing file yields the defaults when optional
// is set.
func LoadConfig(path string, optional bool) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case optional && os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.normalize()
	if cfg.Version > 1 {
		return Config{}, fmt.Errorf("%s: unsupported version %d", path, cfg.Version)
	}
	return cfg, nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
