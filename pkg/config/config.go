// Package config holds the session configuration and loads it from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecore/scanner"
)

// Reconnect holds the backoff parameters of the reconnection supervisor.
type Reconnect struct {
	Initial     time.Duration `yaml:"initial" default:"1s"`
	Max         time.Duration `yaml:"max" default:"30s"`
	Multiplier  float64       `yaml:"multiplier" default:"2"`
	MaxAttempts int           `yaml:"max_attempts" default:"5"`
}

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	ScanTimeout       time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout  time.Duration `yaml:"operation_timeout" default:"30s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`

	// PreferredMTU is negotiated once a connection is ready; 0 keeps the default.
	PreferredMTU int `yaml:"preferred_mtu"`

	Dedup             string `yaml:"dedup" default:"by-device-id"`
	RSSIBucket        int    `yaml:"rssi_bucket" default:"10"`
	ReplaceActiveScan bool   `yaml:"replace_active_scan"`

	EventBufferSize int    `yaml:"event_buffer_size" default:"64"`
	OutputFormat    string `yaml:"output_format" default:"table"` // table, json

	Reconnect Reconnect `yaml:"reconnect"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"connect_timeout":    c.ConnectTimeout,
		"operation_timeout":  c.OperationTimeout,
		"disconnect_timeout": c.DisconnectTimeout,
		"reconnect.initial":  c.Reconnect.Initial,
		"reconnect.max":      c.Reconnect.Max,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if _, err := scanner.ParseDedupPolicy(c.Dedup); err != nil {
		return err
	}
	if c.RSSIBucket < 0 {
		return fmt.Errorf("rssi_bucket must not be negative, got %d", c.RSSIBucket)
	}
	if c.PreferredMTU < 0 {
		return fmt.Errorf("preferred_mtu must not be negative, got %d", c.PreferredMTU)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("event_buffer_size must not be negative, got %d", c.EventBufferSize)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1, got %g", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative, got %d", c.Reconnect.MaxAttempts)
	}
	switch c.OutputFormat {
	case "", "table", "json":
	default:
		return fmt.Errorf("unknown output_format %q (want table or json)", c.OutputFormat)
	}
	return nil
}

// Level parses LogLevel; empty means info.
func (c *Config) Level() (logrus.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, _ := c.Level()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
