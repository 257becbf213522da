package config

import "time"

const (
	DefaultServerAddr      = ":8080"
	DefaultServerMode      = "release"
	DefaultRunnerAddr      = "localhost:50051"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultRunnerListen    = ":50051"
	DefaultMaxLayers       = 5
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultRunnerMetrics   = ":9090"

	DefaultGridSize   = 100
	DefaultCacheZooms = 5

	FormatCompressed  = "zst"
	FormatMMap        = "mmap"
	DefaultStorageDir = "data/layers"

	DefaultFeedAddr   = "localhost:6379"
	DefaultFeedPrefix = "markergrid"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMetricsNamespace = "markergrid"
)

// defaultValues registers every key with viper so that MARKERGRID_* env
// variables resolve even when no config file mentions the key.
var defaultValues = map[string]interface{}{
	"server.addr":             DefaultServerAddr,
	"server.mode":             DefaultServerMode,
	"server.runner_addr":      DefaultRunnerAddr,
	"server.shutdown_timeout": DefaultShutdownTimeout,

	"runner.addr":             DefaultRunnerListen,
	"runner.max_layers":       DefaultMaxLayers,
	"runner.idle_timeout":     DefaultIdleTimeout,
	"runner.cleanup_interval": DefaultCleanupInterval,
	"runner.metrics_addr":     DefaultRunnerMetrics,

	"cluster.grid_size":   DefaultGridSize,
	"cluster.cache_zooms": DefaultCacheZooms,
	"cluster.precache":    false,

	"storage.dir":    DefaultStorageDir,
	"storage.format": FormatCompressed,

	"feed.enabled":  false,
	"feed.addr":     DefaultFeedAddr,
	"feed.password": "",
	"feed.db":       0,
	"feed.prefix":   DefaultFeedPrefix,

	"log.level":  DefaultLogLevel,
	"log.format": DefaultLogFormat,

	"metrics.namespace": DefaultMetricsNamespace,
}

// ApplyDefaults fills every zero-value field in cfg. Explicit values win.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultServerMode
	}
	if cfg.Server.RunnerAddr == "" {
		cfg.Server.RunnerAddr = DefaultRunnerAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Runner.Addr == "" {
		cfg.Runner.Addr = DefaultRunnerListen
	}
	if cfg.Runner.MaxLayers == 0 {
		cfg.Runner.MaxLayers = DefaultMaxLayers
	}
	if cfg.Runner.IdleTimeout == 0 {
		cfg.Runner.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Runner.CleanupInterval == 0 {
		cfg.Runner.CleanupInterval = DefaultCleanupInterval
	}

	if cfg.Cluster.GridSize == 0 {
		cfg.Cluster.GridSize = DefaultGridSize
	}
	// CacheZooms 0 disables the cache and an empty MetricsAddr disables the
	// runner's metrics listener, so both are left as set.

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultStorageDir
	}
	if cfg.Storage.Format == "" {
		cfg.Storage.Format = FormatCompressed
	}

	if cfg.Feed.Addr == "" {
		cfg.Feed.Addr = DefaultFeedAddr
	}
	if cfg.Feed.Prefix == "" {
		cfg.Feed.Prefix = DefaultFeedPrefix
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
}

// Default returns a fully defaulted Config.
func Default() *Config {
	cfg := &Config{
		Runner:  RunnerConfig{MetricsAddr: DefaultRunnerMetrics},
		Cluster: ClusterConfig{CacheZooms: DefaultCacheZooms},
	}
	ApplyDefaults(cfg)
	return cfg
}
