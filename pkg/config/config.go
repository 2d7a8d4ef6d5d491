// Package config holds the process configuration of the aggregator and the
// aggregation documents it serves, together with the sources those documents
// are loaded from: a watched local directory, change notifications and a
// periodic resync against the config store.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: AGG_SERVER__DATA_ADDRESS sets server.data_address.
const EnvPrefix = "AGG_"

// Config holds the global configuration of the aggregator process.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
	Documents DocumentsConfig `koanf:"documents"`
	Script    ScriptConfig    `koanf:"script"`
	Sources   SourcesConfig   `koanf:"sources"`
}

// ServerConfig holds configuration for the HTTP listeners.
type ServerConfig struct {
	AdminAddress string     `koanf:"admin_address"`
	DataAddress  string     `koanf:"data_address"`
	RoutePrefix  string     `koanf:"route_prefix"`
	TLS          *TLSConfig `koanf:"tls"`
	// ShutdownTimeout bounds graceful shutdown of both listeners.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
	ServiceName  string `koanf:"service_name"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DocumentsConfig selects where aggregation documents come from.
type DocumentsConfig struct {
	// Dir is the local directory fallback, watched for changes.
	Dir string `koanf:"dir"`
	// Store is the bulk config store. An empty driver disables it.
	Store StoreConfig `koanf:"store"`
	// ResyncInterval triggers a full reload periodically. Zero disables it.
	ResyncInterval time.Duration `koanf:"resync_interval"`
	// Feed selects the change notification transport: "nats", "memory" or
	// empty. Empty means nats when a NATS url is set, otherwise none.
	Feed string     `koanf:"feed"`
	NATS NATSConfig `koanf:"nats"`
}

// FeedDriver returns the effective change feed driver.
func (c *DocumentsConfig) FeedDriver() string {
	feed := strings.ToLower(strings.TrimSpace(c.Feed))
	if feed == "" && c.NATS.URL != "" {
		return FeedNATS
	}
	return feed
}

// StoreConfig configures the SQL config store.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
	Table  string `koanf:"table"`
}

// NATSConfig configures the change notification subscription. Subject is
// also the topic of the memory feed.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// ScriptConfig tunes the embedded script engine.
type ScriptConfig struct {
	Timeout   time.Duration `koanf:"timeout"`
	CacheSize int64         `koanf:"cache_size"`
}

// SourcesConfig tunes the shared resources of the source adapters.
type SourcesConfig struct {
	SQLMaxOpen     int           `koanf:"sql_max_open"`
	SQLMaxLifetime time.Duration `koanf:"sql_max_lifetime"`
}

var defaults = map[string]any{
	"server.admin_address":      ":19090",
	"server.data_address":       ":8090",
	"server.route_prefix":       "/proxy",
	"server.shutdown_timeout":   "10s",
	"telemetry.service_name":    "polis-aggregator",
	"logging.level":             "info",
	"logging.format":            "json",
	"documents.store.table":     "aggregation_configs",
	"documents.nats.subject":    "aggregator.configs",
	"script.timeout":            "1s",
	"script.cache_size":         1024,
	"sources.sql_max_open":      16,
	"sources.sql_max_lifetime":  "30m",
	"documents.resync_interval": "0s",
}

// Load reads configuration from an optional YAML file, applies AGG_
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks the configuration and normalizes enumerated values.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Documents.Validate(); err != nil {
		return fmt.Errorf("documents configuration: %w", err)
	}
	if c.Script.Timeout < 0 {
		return NewConfigValidationError("script.timeout", c.Script.Timeout, "must not be negative")
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		return NewConfigMissingError("server.admin_address")
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		return NewConfigMissingError("server.data_address")
	}
	if c.AdminAddress == c.DataAddress {
		return NewConfigValidationError("server.admin_address", c.AdminAddress, "conflicts with data_address")
	}
	if c.RoutePrefix != "" && !strings.HasPrefix(c.RoutePrefix, "/") {
		return NewConfigValidationError("server.route_prefix", c.RoutePrefix, "must start with /")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "":
		level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
	c.Level = level

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		format = "json"
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text, pretty", c.Format)
	}
	c.Format = format
	return nil
}

// Validate performs validation of the document sources.
func (c *DocumentsConfig) Validate() error {
	if c.Store.Driver != "" && strings.TrimSpace(c.Store.DSN) == "" {
		return NewConfigMissingError("documents.store.dsn")
	}
	if c.ResyncInterval < 0 {
		return NewConfigValidationError("documents.resync_interval", c.ResyncInterval, "must not be negative")
	}
	if c.ResyncInterval > 0 && c.ResyncInterval < time.Second {
		return NewConfigValidationError("documents.resync_interval", c.ResyncInterval, "must be at least 1s")
	}
	switch c.FeedDriver() {
	case "", FeedMemory:
	case FeedNATS:
		if strings.TrimSpace(c.NATS.URL) == "" {
			return NewConfigMissingError("documents.nats.url")
		}
	default:
		return NewConfigValidationError("documents.feed", c.Feed, "supported feeds: nats, memory")
	}
	if c.FeedDriver() != "" && strings.TrimSpace(c.NATS.Subject) == "" {
		return NewConfigMissingError("documents.nats.subject")
	}
	return nil
}
