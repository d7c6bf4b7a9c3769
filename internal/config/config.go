// Package config loads the sysm server configuration.
//
// The configuration lives in a YAML file (JSON files parse as well) listing
// the monitored applications. A handful of environment variables override
// server settings so the same file works across deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/sysm/internal/notify"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/markus-barta/sysm/internal/store"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither a flag nor SYSM_SERVER_CONFIG_PATH names a file.
const DefaultPath = "./config.yaml"

// Duration is a time.Duration that unmarshals from "5s" strings or from
// plain integers in milliseconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration.
type Config struct {
	// Server
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"` // optional, for WebSocket origin validation
	TrustProxy     bool     `yaml:"trust_proxy"`     // take client addresses from X-Forwarded-For

	// Data directory for state files and the sqlite database
	DataDir string `yaml:"data_dir"`

	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"store"`
	Mail  MailConfig  `yaml:"mail"`

	// Timing
	AuthTimeout     Duration `yaml:"auth_timeout"`     // unauthenticated connections are closed after this
	MonitorInterval Duration `yaml:"monitor_interval"` // stale check tick
	Debounce        Duration `yaml:"debounce"`         // quiet period before a notification

	// Failed publisher token checks allowed per remote host within the window
	AuthMaxFailures   int      `yaml:"auth_max_failures"`
	AuthFailureWindow Duration `yaml:"auth_failure_window"`

	Applications []ApplicationConfig `yaml:"applications"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string      `yaml:"driver"` // file, sqlite, redis
	Path   string      `yaml:"path"`   // sqlite database path
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MailConfig configures outbound notifications. Without a host,
// notifications are only logged.
type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender"`
	TLS      bool   `yaml:"tls"`
}

// ApplicationConfig declares one monitored application.
type ApplicationConfig struct {
	ID             string          `yaml:"id"`
	Name           string          `yaml:"name"`
	Token          string          `yaml:"token"`
	UpdateInterval Duration        `yaml:"update_interval"`
	Services       []ServiceConfig `yaml:"services"`
	Notify         []string        `yaml:"notify"`
}

// ServiceConfig declares one service of an application.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Default returns a config with default values and no applications.
func Default() *Config {
	return &Config{
		Listen:          ":3001",
		DataDir:         "data",
		Log:             LogConfig{Level: "info", Format: "console"},
		Store:           StoreConfig{Driver: store.DriverFile},
		AuthTimeout:     Duration(5 * time.Second),
		MonitorInterval: Duration(2 * time.Second),
		Debounce:        Duration(5 * time.Second),

		AuthMaxFailures:   5,
		AuthFailureWindow: Duration(time.Minute),
	}
}

// ResolvePath returns the config path from the flag value, the environment, or the default.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv("SYSM_SERVER_CONFIG_PATH", DefaultPath)
}

// Load reads, overrides from the environment and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses YAML, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("SYSM_SERVER_LISTEN", c.Listen)
	if port := os.Getenv("SYSM_SERVER_PORT"); port != "" {
		c.Listen = ":" + port
	}
	c.DataDir = getEnv("SYSM_DATA_DIR", c.DataDir)
	c.Log.Level = getEnv("SYSM_LOG_LEVEL", c.Log.Level)
	c.Store.Driver = getEnv("SYSM_STORE_DRIVER", c.Store.Driver)
	c.Store.Redis.Addr = getEnv("SYSM_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("SYSM_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Mail.Password = getEnv("SYSM_SMTP_PASSWORD", c.Mail.Password)
	c.AllowedOrigins = append(c.AllowedOrigins, parseList("SYSM_ALLOWED_ORIGINS")...)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Store.Driver {
	case store.DriverFile, store.DriverSQLite:
	case store.DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	for name, d := range map[string]Duration{
		"auth_timeout":        c.AuthTimeout,
		"monitor_interval":    c.MonitorInterval,
		"debounce":            c.Debounce,
		"auth_failure_window": c.AuthFailureWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.AuthMaxFailures <= 0 {
		errs = append(errs, errors.New("auth_max_failures must be positive"))
	}

	if len(c.Applications) == 0 {
		errs = append(errs, errors.New("at least one application is required"))
	}
	seen := make(map[string]bool, len(c.Applications))
	for i, app := range c.Applications {
		if app.ID == "" {
			errs = append(errs, fmt.Errorf("applications[%d]: id is required", i))
			continue
		}
		if seen[app.ID] {
			errs = append(errs, fmt.Errorf("applications[%d]: duplicate id %q", i, app.ID))
		}
		seen[app.ID] = true
		if app.UpdateInterval < 0 {
			errs = append(errs, fmt.Errorf("application %s: update_interval must not be negative", app.ID))
		}

		services := make(map[string]bool, len(app.Services))
		for j, svc := range app.Services {
			if svc.ID == "" {
				errs = append(errs, fmt.Errorf("application %s: services[%d]: id is required", app.ID, j))
				continue
			}
			if services[svc.ID] {
				errs = append(errs, fmt.Errorf("application %s: duplicate service id %q", app.ID, svc.ID))
			}
			services[svc.ID] = true
		}
	}

	if len(c.notifyRecipients()) > 0 && c.Mail.Host != "" && c.Mail.Sender == "" {
		errs = append(errs, errors.New("mail.sender is required when mail.host is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) notifyRecipients() []string {
	var out []string
	for _, app := range c.Applications {
		out = append(out, app.Notify...)
	}
	return out
}

// StatusConfig converts an application entry for the status package.
func (a ApplicationConfig) StatusConfig() status.Config {
	services := make([]status.ServiceConfig, len(a.Services))
	for i, s := range a.Services {
		services[i] = status.ServiceConfig{ID: s.ID, Name: s.Name}
	}
	return status.Config{
		ID:           a.ID,
		Name:         a.Name,
		Token:        a.Token,
		StaleTimeout: a.UpdateInterval.Duration(),
		Services:     services,
	}
}

// StoreOptions converts the store section for the store package.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver: c.Store.Driver,
		Dir:    c.DataDir,
		Path:   c.Store.Path,
		Redis: store.RedisOptions{
			Addr:     c.Store.Redis.Addr,
			Username: c.Store.Redis.Username,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
		},
	}
}

// SMTPConfig converts the mail section. ok is false when mail is not configured.
func (c *Config) SMTPConfig() (cfg notify.SMTPConfig, ok bool) {
	if c.Mail.Host == "" {
		return notify.SMTPConfig{}, false
	}
	return notify.SMTPConfig{
		Host:     c.Mail.Host,
		Port:     c.Mail.Port,
		Username: c.Mail.Username,
		Password: c.Mail.Password,
		Sender:   c.Mail.Sender,
		TLS:      c.Mail.TLS,
	}, true
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() Config {
	out := *c
	if out.Store.Redis.Password != "" {
		out.Store.Redis.Password = "***REDACTED***"
	}
	if out.Mail.Password != "" {
		out.Mail.Password = "***REDACTED***"
	}
	out.Applications = make([]ApplicationConfig, len(c.Applications))
	for i, app := range c.Applications {
		if app.Token != "" {
			app.Token = "***REDACTED***"
		}
		out.Applications[i] = app
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
