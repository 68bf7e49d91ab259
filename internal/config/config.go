// Package config loads and validates the relay configuration file.
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"time"
)

// Size is a byte count parsed from a size literal such as "10MB".
type Size int64

// Bytes returns the size as a plain int64.
func (s Size) Bytes() int64 { return int64(s) }

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Cache    CacheConfig    `koanf:"cache"`
	Storage  StorageConfig  `koanf:"storage"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Workers int    `koanf:"workers"`
}

type UpstreamConfig struct {
	URL            string        `koanf:"url"`
	Timeout        time.Duration `koanf:"timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	MaxConnections int           `koanf:"max_connections"`
	Keepalive      bool          `koanf:"keepalive"`
}

type CacheConfig struct {
	DefaultTTL           time.Duration     `koanf:"default_ttl"`
	StaleWhileRevalidate time.Duration     `koanf:"stale_while_revalidate"`
	StaleIfError         time.Duration     `koanf:"stale_if_error"`
	MaxObjectSize        Size              `koanf:"max_object_size"`
	QueryParams          QueryParamsConfig `koanf:"query_params"`

	// Rules preserves the declaration order of [cache.rules]; the first
	// matching rule wins.
	Rules []Rule `koanf:"-"`
}

type QueryParamsConfig struct {
	Ignore []string `koanf:"ignore"`
	Sort   bool     `koanf:"sort"`
}

// Rule is a per-path policy override keyed by a glob pattern.
// Stale is the per-rule alias for StaleWhileRevalidate.
type Rule struct {
	Pattern              string         `koanf:"-"`
	TTL                  *time.Duration `koanf:"ttl"`
	Stale                *time.Duration `koanf:"stale"`
	StaleWhileRevalidate *time.Duration `koanf:"stale_while_revalidate"`
	StaleIfError         *time.Duration `koanf:"stale_if_error"`
	Bypass               bool           `koanf:"bypass"`
}

// SWR returns the rule's stale-while-revalidate override, honoring the
// per-rule "stale" alias.
func (r Rule) SWR() *time.Duration {
	if r.Stale != nil {
		return r.Stale
	}
	return r.StaleWhileRevalidate
}

type StorageConfig struct {
	InMemory bool          `koanf:"in_memory"`
	Redis    string        `koanf:"redis"`
	Disk     string        `koanf:"disk"`
	MaxSize  Size          `koanf:"max_size"`
	Timeout  time.Duration `koanf:"timeout"`
	Grace    time.Duration `koanf:"grace"`
}

// Backend returns the name of the configured storage backend.
func (s StorageConfig) Backend() string {
	switch {
	case s.InMemory:
		return "memory"
	case s.Redis != "":
		return "redis"
	case s.Disk != "":
		return "disk"
	}
	return ""
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type LoggingConfig struct {
	Enabled bool   `koanf:"enabled"`
	Format  string `koanf:"format"`
	Level   string `koanf:"level"`
}

// Default returns the built-in configuration before any file is applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Workers: runtime.NumCPU(),
		},
		Upstream: UpstreamConfig{
			Timeout:        30 * time.Second,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
			MaxConnections: 100,
			Keepalive:      true,
		},
		Cache: CacheConfig{
			DefaultTTL:           5 * time.Minute,
			StaleWhileRevalidate: time.Hour,
			StaleIfError:         24 * time.Hour,
			MaxObjectSize:        10 << 20,
		},
		Storage: StorageConfig{
			MaxSize: 1 << 30,
			Timeout: time.Second,
			Grace:   time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Format:  "json",
			Level:   "info",
		},
	}
}

// Validate checks cross-field invariants that koanf cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive")
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.url %q is not a valid URL", c.Upstream.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.url scheme %q not supported", u.Scheme)
	}
	if c.Upstream.MaxConnections <= 0 {
		return fmt.Errorf("upstream.max_connections must be positive")
	}

	backends := 0
	if c.Storage.InMemory {
		backends++
	}
	if c.Storage.Redis != "" {
		backends++
	}
	if c.Storage.Disk != "" {
		backends++
	}
	if backends == 0 {
		return fmt.Errorf("storage: one of in_memory, redis or disk must be set")
	}
	if backends > 1 {
		return fmt.Errorf("storage: backends are exclusive, configure exactly one")
	}
	if c.Storage.MaxSize <= 0 {
		return fmt.Errorf("storage.max_size must be positive")
	}

	if c.Cache.MaxObjectSize <= 0 {
		return fmt.Errorf("cache.max_object_size must be positive")
	}
	if c.Cache.MaxObjectSize > c.Storage.MaxSize {
		return fmt.Errorf("cache.max_object_size exceeds storage.max_size")
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path must be set when metrics are enabled")
	}

	return nil
}

// UpstreamURL returns the parsed upstream URL. Validate must have passed.
func (c *Config) UpstreamURL() *url.URL {
	u, _ := url.Parse(c.Upstream.URL)
	return u
}
