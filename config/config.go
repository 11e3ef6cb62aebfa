package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete catalog configuration.
type Config struct {
	// Database configures the backing SQL store.
	Database DatabaseConfig `yaml:"database"`

	// Ingest configures the registration pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Tabular configures the partitioned tabular store.
	Tabular TabularConfig `yaml:"tabular"`

	// Cache configures the in-process resource cache.
	Cache CacheConfig `yaml:"cache"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// DatabaseConfig configures the backing SQL store.
type DatabaseConfig struct {
	// Path is the database location. For the embedded engine this is a
	// file path; empty means in-memory.
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// QueryTimeout bounds the startup ping and schema check.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// IngestConfig configures the registration pipeline.
type IngestConfig struct {
	// Parallelism is the number of concurrent walk workers.
	Parallelism int `yaml:"parallelism"`

	// Parameter is the default parameter name for attached data assets.
	Parameter string `yaml:"parameter"`
}

// TabularConfig configures the partitioned tabular store.
type TabularConfig struct {
	// SketchAccuracy is the DDSketch relative accuracy for partition
	// statistics (0.01 = 1% error).
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// CacheConfig configures the in-process resource cache.
type CacheConfig struct {
	// MaxEntries bounds cache size; 0 disables the cache.
	MaxEntries int `yaml:"max_entries"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// DefaultConfig returns a Config populated with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            DefaultDatabasePath,
			MaxOpenConns:    DefaultMaxOpenConns,
			MaxIdleConns:    DefaultMaxIdleConns,
			ConnMaxLifetime: DefaultConnMaxLifetime,
			QueryTimeout:    DefaultQueryTimeout,
		},
		Ingest: IngestConfig{
			Parallelism: DefaultWalkParallelism,
			Parameter:   DefaultAssetParameter,
		},
		Tabular: TabularConfig{
			SketchAccuracy: DefaultSketchAccuracy,
		},
		Cache: CacheConfig{
			MaxEntries: DefaultCacheMaxEntries,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a yaml configuration file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be >= 1, got %d", c.Database.MaxOpenConns)
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must be >= 0, got %d", c.Database.MaxIdleConns)
	}
	if c.Ingest.Parallelism < 1 {
		return fmt.Errorf("ingest.parallelism must be >= 1, got %d", c.Ingest.Parallelism)
	}
	if c.Ingest.Parameter == "" {
		return fmt.Errorf("ingest.parameter must not be empty")
	}
	if c.Tabular.SketchAccuracy <= 0 || c.Tabular.SketchAccuracy >= 1 {
		return fmt.Errorf("tabular.sketch_accuracy must be in (0, 1), got %g", c.Tabular.SketchAccuracy)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0, got %d", c.Cache.MaxEntries)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	return nil
}
