package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/grabber/internal/activations"
)

// Config represents the grabber configuration file (~/.config/grabber/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir   string `yaml:"model_dir"`
	PadTokenID *int   `yaml:"pad_token_id"`

	// Extraction defaults
	DefaultLayers []int  `yaml:"default_layers"`
	OutputFormat  string `yaml:"output_format"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	FlightAddress string   `yaml:"flight_address"`
	MaxConcurrent *int     `yaml:"max_concurrent"`
	RateLimit     *float64 `yaml:"rate_limit"`
	RateBurst     *int     `yaml:"rate_burst"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "grabber", "config.yaml")
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config. An explicit path must exist.
func loadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.OutputFormat != "" {
		if _, err := activations.ParseFormat(cfg.OutputFormat); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// applyExtractConfig applies config file defaults to extract settings when
// the corresponding flag was not set.
func applyExtractConfig(c *cli.Command, cfg Config, layers *[]int, format *activations.OutputFormat) {
	if cfg.DefaultLayers != nil && !c.IsSet("layers") {
		*layers = cfg.DefaultLayers
	}
	if cfg.OutputFormat != "" && !c.IsSet("format") {
		// Validated in loadConfig.
		*format, _ = activations.ParseFormat(cfg.OutputFormat)
	}
}

// applyServeConfig applies config file defaults to serve settings.
func applyServeConfig(c *cli.Command, cfg Config, s *serveSettings) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		s.addr = cfg.ServerAddress
	}
	if cfg.FlightAddress != "" && !c.IsSet("flight-addr") {
		s.flightAddr = cfg.FlightAddress
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		s.maxConcurrent = *cfg.MaxConcurrent
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		s.rateLimit = *cfg.RateLimit
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		s.rateBurst = *cfg.RateBurst
	}
	if cfg.DefaultLayers != nil {
		s.defaultLayers = cfg.DefaultLayers
	}
	if cfg.OutputFormat != "" {
		s.format, _ = activations.ParseFormat(cfg.OutputFormat)
	}
}
