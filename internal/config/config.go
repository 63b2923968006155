package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Capture   CaptureConfig   `yaml:"capture"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SQLiteConfig struct {
	DSN       string `yaml:"dsn"`       // go-sqlite3 DSN, eg "file:app.db?_foreign_keys=1"
	Bootstrap string `yaml:"bootstrap"` // Optional SQL file executed at startup
}

type CaptureConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// Tables and Databases are path.Match patterns; empty means all.
	Tables          []string `yaml:"tables"`
	ExcludeTables   []string `yaml:"exclude_tables"`
	Databases       []string `yaml:"databases"`
	IncludeTriggers bool     `yaml:"include_triggers"` // Publish rows changed at depth > 0
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	Subject        string        `yaml:"subject"` // May use {database}, {table} and {type}
	CommandSubject string        `yaml:"command_subject"`
	MaxReconnect   int           `yaml:"max_reconnect"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

type ProcessorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"` // JavaScript transform, takes precedence over rules
	Rules   []Rule `yaml:"rules"`
}

type Rule struct {
	Database  string            `yaml:"database"`
	Table     string            `yaml:"table"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // Serve /metrics when set, eg ":9102"
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.SQLite.DSN == "" {
		return nil, fmt.Errorf("sqlite.dsn is required")
	}
	if config.Capture.BufferSize == 0 {
		config.Capture.BufferSize = 1024
	}
	if config.NATS.URL == "" {
		config.NATS.URL = "nats://127.0.0.1:4222"
	}
	if config.NATS.Subject == "" {
		config.NATS.Subject = "sqlite-cdc.{database}.{table}"
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return &config, nil
}
