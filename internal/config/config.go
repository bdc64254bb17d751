// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package config loads process configuration from PRERENDER_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name.
const Prefix = "PRERENDER"

// Modes.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
	ModeTest        = "test"
)

// Config holds all process configuration. Every field is read from
// PRERENDER_<NAME>, for example PRERENDER_DIST_PATH.
type Config struct {
	Mode string `default:"production"`

	ServerConfig
	RenderConfig
	CacheConfig
	LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host     string `default:"0.0.0.0"`
	Port     int    `default:"3000"`
	Workers  int    // 0 picks from mode and CPU count
	Chunked  bool
	Gzip     bool `default:"true"`
	Username string
	Password string
}

// RenderConfig holds artifact and renderer configuration.
type RenderConfig struct {
	DistPath       string        `split_words:"true" default:"dist"`
	AssetsPath     string        `split_words:"true"`
	RenderPath     string        `split_words:"true" default:"/"`
	PoolSize       int           `split_words:"true"`
	DestroyTimeout time.Duration `split_words:"true"`
	Resilient      bool          `default:"true"`
	WatchInterval  time.Duration `split_words:"true"` // 0 disables the watcher
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	Cache    string        `default:"off"` // memory, sqlite:<file> or off
	CacheTTL time.Duration `split_words:"true" default:"5m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"text"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Mode: ModeProduction,
		ServerConfig: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Gzip: true,
		},
		RenderConfig: RenderConfig{
			DistPath:   "dist",
			RenderPath: "/",
			Resilient:  true,
		},
		CacheConfig: CacheConfig{
			Cache:    "off",
			CacheTTL: 5 * time.Minute,
		},
		LogConfig: LogConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Validate checks values envconfig cannot check by type.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeProduction, ModeDevelopment, ModeTest:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.RenderPath, "/") {
		return fmt.Errorf("render path %q must start with /", c.RenderPath)
	}
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TestMode reports whether the process runs under tests.
func (c *Config) TestMode() bool {
	return c.Mode == ModeTest
}

// Watch returns the artifact polling interval. Development mode watches
// every second unless an interval is set.
func (c *Config) Watch() time.Duration {
	if c.WatchInterval == 0 && c.Mode == ModeDevelopment {
		return time.Second
	}
	return c.WatchInterval
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

// Environ renders c as PRERENDER_* environment entries, so a child process
// loading its configuration sees the same values.
func (c *Config) Environ() []string {
	vars := []struct {
		name  string
		value any
	}{
		{"MODE", c.Mode},
		{"HOST", c.Host},
		{"PORT", c.Port},
		{"WORKERS", c.Workers},
		{"CHUNKED", c.Chunked},
		{"GZIP", c.Gzip},
		{"USERNAME", c.Username},
		{"PASSWORD", c.Password},
		{"DIST_PATH", c.DistPath},
		{"ASSETS_PATH", c.AssetsPath},
		{"RENDER_PATH", c.RenderPath},
		{"POOL_SIZE", c.PoolSize},
		{"DESTROY_TIMEOUT", c.DestroyTimeout},
		{"RESILIENT", c.Resilient},
		{"WATCH_INTERVAL", c.WatchInterval},
		{"CACHE", c.Cache},
		{"CACHE_TTL", c.CacheTTL},
		{"LOG_LEVEL", c.LogLevel},
		{"LOG_FORMAT", c.LogFormat},
	}
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		env = append(env, fmt.Sprintf("%s_%s=%v", Prefix, v.name, v.value))
	}
	return env
}
