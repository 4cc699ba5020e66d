// Package config provides configuration management for errtally.
//
// Values are layered: built-in defaults, then the YAML config file, then
// ERRTALLY_* environment variables. Double underscores separate levels, so
// ERRTALLY_SERVER__BASE_URL sets server.base_url.
//
// Config file locations (priority order):
//  1. $ERRTALLY_CONFIG
//  2. ./errtally.yaml
//  3. ~/.config/errtally/config.yaml
//  4. /etc/errtally/config.yaml
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
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides
const EnvPrefix = "ERRTALLY_"

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `koanf:"server" yaml:"server"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
	Notify   NotifyConfig   `koanf:"notify" yaml:"notify"`
	Apps     []AppConfig    `koanf:"apps" yaml:"apps,omitempty"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
	// BaseURL prefixes the locate URL returned to notifiers and the
	// problem links in notifications
	BaseURL      string        `koanf:"base_url" yaml:"base_url"`
	AdminToken   string        `koanf:"admin_token" yaml:"admin_token,omitempty"`
	ReadTimeout  time.Duration `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout" yaml:"write_timeout"`
	MaxBodyBytes int64         `koanf:"max_body_bytes" yaml:"max_body_bytes"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // sqlite, memory
	Path   string `koanf:"path" yaml:"path"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // json, console
}

// NotifyConfig holds notification delivery settings
type NotifyConfig struct {
	Enabled           bool          `koanf:"enabled" yaml:"enabled"`
	Workers           int           `koanf:"workers" yaml:"workers"`
	QueueSize         int           `koanf:"queue_size" yaml:"queue_size"`
	RatePerMinute     int           `koanf:"rate_per_minute" yaml:"rate_per_minute"`
	WebhookURL        string        `koanf:"webhook_url" yaml:"webhook_url,omitempty"`
	WebhookTimeout    time.Duration `koanf:"webhook_timeout" yaml:"webhook_timeout"`
	WebhookMaxRetries int           `koanf:"webhook_max_retries" yaml:"webhook_max_retries"`
}

// AppConfig declares an App that may submit notices
type AppConfig struct {
	Name     string   `koanf:"name" yaml:"name"`
	APIKey   string   `koanf:"api_key" yaml:"api_key"`
	Watchers []string `koanf:"watchers" yaml:"watchers,omitempty"`
}

var defaults = map[string]any{
	"server.addr":                "127.0.0.1:3030",
	"server.base_url":            "http://127.0.0.1:3030",
	"server.read_timeout":        "15s",
	"server.write_timeout":       "30s",
	"server.max_body_bytes":      2 << 20,
	"database.driver":            "sqlite",
	"database.path":              "./errtally.db",
	"log.level":                  "info",
	"log.format":                 "json",
	"notify.enabled":             true,
	"notify.workers":             2,
	"notify.queue_size":          256,
	"notify.rate_per_minute":     60,
	"notify.webhook_timeout":     "10s",
	"notify.webhook_max_retries": 3,
}

// Load finds and loads the config file, or returns defaults if none found.
// Environment overrides apply either way.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	cfg, err := load(path)
	return cfg, path, err
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	cfg, err := load(path)
	return cfg, path, err
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// envKey maps ERRTALLY_NOTIFY__RATE_PER_MINUTE to notify.rate_per_minute
func envKey(s string) string {
	if s == EnvConfigPath {
		return ""
	}
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// DefaultConfig returns the built-in defaults without reading files or the
// environment
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:3030",
			BaseURL:      "http://127.0.0.1:3030",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 2 << 20,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./errtally.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Notify: NotifyConfig{
			Enabled:           true,
			Workers:           2,
			QueueSize:         256,
			RatePerMinute:     60,
			WebhookTimeout:    10 * time.Second,
			WebhookMaxRetries: 3,
		},
	}
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the config for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be sqlite or memory", c.Database.Driver))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be json or console", c.Log.Format))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Notify.RatePerMinute < 0 {
		errs = append(errs, errors.New("notify.rate_per_minute must not be negative"))
	}

	keys := make(map[string]string, len(c.Apps))
	for i, app := range c.Apps {
		if app.Name == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: name is required", i))
		}
		if app.APIKey == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: api_key is required", i))
			continue
		}
		if other, dup := keys[app.APIKey]; dup {
			errs = append(errs, fmt.Errorf("apps[%d]: api_key already used by %q", i, other))
		}
		keys[app.APIKey] = app.Name
	}

	return errors.Join(errs...)
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	notify := "disabled"
	if c.Notify.Enabled {
		notify = "log"
		if c.Notify.WebhookURL != "" {
			notify = "webhook"
		}
	}
	return fmt.Sprintf("Listen: %s, Database: %s (%s), Notify: %s, Apps: %d",
		c.Server.Addr, c.Database.Driver, c.Database.Path, notify, len(c.Apps))
}
