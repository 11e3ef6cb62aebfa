// Package config provides configuration defaults and utilities
// for the catalog service.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or CLI flags.
package config

import "time"

// =============================================================================
// Database Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the default embedded database file.
	// An empty DSN opens an in-memory database (useful for tests only:
	// nothing survives a restart).
	// Override via config: database.path
	DefaultDatabasePath = "catalog.db"

	// DefaultMaxOpenConns is the maximum number of open connections.
	// Embedded engines serialize writers regardless; this bounds readers.
	// Override via config: database.max_open_conns
	DefaultMaxOpenConns = 25

	// DefaultMaxIdleConns is the maximum number of idle connections.
	// Override via config: database.max_idle_conns
	DefaultMaxIdleConns = 5

	// DefaultConnMaxLifetime is the maximum lifetime of a connection.
	// Override via config: database.conn_max_lifetime
	DefaultConnMaxLifetime = 5 * time.Minute

	// DefaultQueryTimeout is the default timeout for queries.
	// The catalog itself imposes no operation timeouts; this only bounds
	// the startup ping and schema check.
	// Override via config: database.query_timeout
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Registration Defaults
// =============================================================================

const (
	// DefaultWalkParallelism is the number of concurrent registration
	// workers during a directory walk. Each worker persists its entry in
	// its own transaction, so this also bounds write contention.
	// Override via config: ingest.parallelism
	DefaultWalkParallelism = 4

	// DefaultAssetParameter is the parameter name under which data assets
	// are attached when the caller does not supply one.
	// Override via config: ingest.parameter
	DefaultAssetParameter = "data_uris"
)

// =============================================================================
// Tabular Store Defaults
// =============================================================================

const (
	// DefaultPartitionID is the partition used when a writer does not
	// choose one. Single-partition datasets never need to know about
	// partitioning.
	DefaultPartitionID = 0

	// DefaultSketchAccuracy is the relative accuracy of the DDSketch used
	// for per-partition numeric column statistics (0.01 = 1% error).
	// Override via config: tabular.sketch_accuracy
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultCacheMaxEntries bounds the in-process resource cache.
	// Override via config: cache.max_entries
	DefaultCacheMaxEntries = 10000
)
