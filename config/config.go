// Package config defines the taskq daemon and CLI configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/taskq/aging"
	"github.com/GoCodeAlone/taskq/batch"
	"github.com/GoCodeAlone/taskq/task"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Config is the top-level taskq configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Aging    AgingConfig   `json:"aging" yaml:"aging"`
	Batch    BatchConfig   `json:"batch" yaml:"batch"`
	Tasks    TasksConfig   `json:"tasks" yaml:"tasks"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"` // artifact buckets live here
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "pebble"
	Path   string `json:"path" yaml:"path"`     // database file (sqlite) or directory (pebble)
}

// AgingConfig sets promotion thresholds and how often the daemon runs a pass.
type AgingConfig struct {
	P3ToP2   time.Duration `json:"p3_to_p2" yaml:"p3_to_p2"`
	P2ToP1   time.Duration `json:"p2_to_p1" yaml:"p2_to_p1"`
	P1ToP0   time.Duration `json:"p1_to_p0" yaml:"p1_to_p0"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// Thresholds converts the config to aging thresholds.
func (a AgingConfig) Thresholds() aging.Thresholds {
	return aging.Thresholds{P3ToP2: a.P3ToP2, P2ToP1: a.P2ToP1, P1ToP0: a.P1ToP0}
}

// BatchConfig controls batch grouping.
type BatchConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

// TasksConfig holds defaults applied to new tasks.
type TasksConfig struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	th := aging.DefaultThresholds()
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(".taskq", "queue.db"),
		},
		Aging: AgingConfig{
			P3ToP2:   th.P3ToP2,
			P2ToP1:   th.P2ToP1,
			P1ToP0:   th.P1ToP0,
			Interval: 5 * time.Minute,
		},
		Batch:    BatchConfig{Capacity: batch.DefaultCapacity},
		Tasks:    TasksConfig{MaxRetries: task.DefaultMaxRetries},
		DataDir:  filepath.Join(".taskq", "tasks"),
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
// Durations use Go syntax, e.g. "4h" or "90m".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Storage.Driver) {
	case DriverSQLite, DriverPebble:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPebble, c.Storage.Driver))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if err := c.Aging.Thresholds().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Aging.Interval <= 0 {
		errs = append(errs, fmt.Errorf("aging.interval must be positive, got %s", c.Aging.Interval))
	}
	if c.Batch.Capacity < 1 {
		errs = append(errs, fmt.Errorf("batch.capacity must be at least 1, got %d", c.Batch.Capacity))
	}
	if c.Tasks.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("tasks.max_retries must not be negative, got %d", c.Tasks.MaxRetries))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
