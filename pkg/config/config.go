// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Index, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Index   IndexConfig   `yaml:"index"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the query service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// IndexConfig controls the value index: where its files live, which value
// kind it covers, the lookup cache bound, and when fragmentation warrants a
// rebuild.
type IndexConfig struct {
	DataDir          string  `yaml:"dataDir"`
	Kind             string  `yaml:"kind"`
	CacheSize        int     `yaml:"cacheSize"`
	RebuildThreshold float64 `yaml:"rebuildThreshold"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Index: IndexConfig{
			DataDir:          "data",
			Kind:             "text",
			CacheSize:        4096,
			RebuildThreshold: 0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// validate rejects configurations the index cannot run with.
func (c *Config) validate() error {
	if c.Index.Kind != "text" && c.Index.Kind != "attribute" {
		return fmt.Errorf("index.kind must be %q or %q, got %q", "text", "attribute", c.Index.Kind)
	}
	if c.Index.RebuildThreshold < 0 || c.Index.RebuildThreshold > 1 {
		return fmt.Errorf("index.rebuildThreshold must be in [0, 1], got %v", c.Index.RebuildThreshold)
	}
	return nil
}

// applyEnvOverrides reads STRIX_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STRIX_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STRIX_INDEX_DATADIR"); v != "" {
		cfg.Index.DataDir = v
	}
	if v := os.Getenv("STRIX_INDEX_KIND"); v != "" {
		cfg.Index.Kind = v
	}
	if v := os.Getenv("STRIX_INDEX_CACHESIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.CacheSize = n
		}
	}
	if v := os.Getenv("STRIX_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STRIX_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("STRIX_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
