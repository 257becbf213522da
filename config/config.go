// Package config loads markergrid settings from YAML and MARKERGRID_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"web/markergrid/logging"
)

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Runner  RunnerConfig   `mapstructure:"runner"`
	Cluster ClusterConfig  `mapstructure:"cluster"`
	Storage StorageConfig  `mapstructure:"storage"`
	Feed    FeedConfig     `mapstructure:"feed"`
	Log     logging.Config `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig configures the HTTP API process.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // "debug" | "release" | "test"
	RunnerAddr      string        `mapstructure:"runner_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RunnerConfig configures the layer registry and its gRPC listener.
type RunnerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxLayers       int           `mapstructure:"max_layers"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MetricsAddr     string        `mapstructure:"metrics_addr"` // empty disables
}

type ClusterConfig struct {
	GridSize   int  `mapstructure:"grid_size"`
	CacheZooms int  `mapstructure:"cache_zooms"`
	Precache   bool `mapstructure:"precache"`
}

type StorageConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"` // "zst" | "mmap"
}

// FeedConfig configures the Redis update subscriber.
type FeedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Validate reports the first invalid setting. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: server.mode %q is invalid; expected debug|release|test", c.Server.Mode)
	}
	if c.Server.RunnerAddr == "" {
		return fmt.Errorf("config: server.runner_addr is required")
	}

	if c.Runner.Addr == "" {
		return fmt.Errorf("config: runner.addr is required")
	}
	if c.Runner.MaxLayers < 1 {
		return fmt.Errorf("config: runner.max_layers must be >= 1, got %d", c.Runner.MaxLayers)
	}
	if c.Runner.IdleTimeout <= 0 {
		return fmt.Errorf("config: runner.idle_timeout must be positive, got %v", c.Runner.IdleTimeout)
	}
	if c.Runner.CleanupInterval <= 0 {
		return fmt.Errorf("config: runner.cleanup_interval must be positive, got %v", c.Runner.CleanupInterval)
	}

	if c.Cluster.GridSize < 1 {
		return fmt.Errorf("config: cluster.grid_size must be >= 1, got %d", c.Cluster.GridSize)
	}
	if c.Cluster.CacheZooms < 0 {
		return fmt.Errorf("config: cluster.cache_zooms must be >= 0, got %d", c.Cluster.CacheZooms)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("config: storage.dir is required")
	}
	switch c.Storage.Format {
	case FormatCompressed, FormatMMap:
	default:
		return fmt.Errorf("config: storage.format %q is invalid; expected %s|%s", c.Storage.Format, FormatCompressed, FormatMMap)
	}

	if c.Feed.Enabled {
		if c.Feed.Addr == "" {
			return fmt.Errorf("config: feed.addr is required when the feed is enabled")
		}
		if c.Feed.DB < 0 {
			return fmt.Errorf("config: feed.db must be >= 0, got %d", c.Feed.DB)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return nil
}
